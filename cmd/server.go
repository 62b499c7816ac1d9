// Server = settlement feed listener + per-chain synchronizers + ledger/queue
// + signing + http reporter.
// All components are configured via environment variables (strings!).

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/fiatbridge/relayer-go/approval"
	"github.com/fiatbridge/relayer-go/chainsync"
	"github.com/fiatbridge/relayer-go/common"
	"github.com/fiatbridge/relayer-go/etherman"
	"github.com/fiatbridge/relayer-go/feed"
	"github.com/fiatbridge/relayer-go/jobqueue"
	"github.com/fiatbridge/relayer-go/kms"
	"github.com/fiatbridge/relayer-go/ledger"
	"github.com/fiatbridge/relayer-go/relayer"
	"github.com/fiatbridge/relayer-go/reporter"
)

// Default params for server.
// More often we don't recommend users to tweak those.
// So we list them here.
const (
	// chain synchronizer config
	frequencyToCheckNewBlocks = 5 * time.Second

	// settlement feed config
	feedReconnectBase = time.Second
	feedMaxReconnects = 10

	// job queue config
	queueConcurrency = 3
	queueMaxAttempts = 3
	queueBackoffBase = 5 * time.Second
)

// ChainServerConfig describes one chain the relayer serves.
type ChainServerConfig struct {
	RpcUrl             string // json rpc url
	ChainId            uint64
	StablecoinAddr     string // deployed stablecoin contract address
	KycRegistryAddr    string // kyc registry contract address
	RelayerPriv        string // private key of the relayer controlled account
	StablecoinBytecode string // creation bytecode for tenant deployments, may be empty
	StartBlock         uint64 // first block to scan when no cursor is stored (0 = head)
}

// Keep the configuration's fields as "text" as possible.
// Its easier to load it from env vars or a config file.
type RelayerServerConfig struct {
	// state side
	DbFilePath string // db file path

	// chains; the first entry is the primary chain mint instructions settle on
	Chains []ChainServerConfig

	// remote signer side; when SignerServiceUrl is empty a local in-process
	// signer is built from SignerLocalPriv (dev/test only)
	SignerServiceUrl string
	SignerKeyId      string
	SignerAuthToken  string
	SignerLocalPriv  string

	// settlement feed side
	FeedWsUrl   string
	FeedRestUrl string

	// Http side
	HttpIp   string // eg. 0.0.0.0
	HttpPort string // eg. 8080
}

// RelayerServer holds the objects that consists of the relayer server.
type RelayerServer struct {
	MyLedger   *ledger.Ledger
	MyQueue    *jobqueue.JobQueue
	MySigner   *approval.Signer
	MyGateways map[uint64]*etherman.Etherman
	MySyncs    []*chainsync.Synchronizer
	MyFeed     *feed.Listener
	MyMint     *relayer.MintService
	MyRedeems  map[uint64]*relayer.RedeemService
	MyDeploys  map[uint64]*relayer.DeploymentService

	db *sql.DB
}

// NewRelayerServer wires up and starts every component.
// ctx is used for parental context to cancel the listeners and workers.
// wg is used to wait for all the goroutines inside the server to finish.
func NewRelayerServer(rsc *RelayerServerConfig, ctx context.Context, wg *sync.WaitGroup) (*RelayerServer, error) {
	if len(rsc.Chains) == 0 {
		return nil, fmt.Errorf("no chains configured")
	}

	// 1) durable state: one sqlite file shared by ledger and queue
	sqldb, err := sql.Open("sqlite3", rsc.DbFilePath)
	if err != nil {
		logger.Fatalf("failed to open db file: %v", err)
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)

	myLedger, err := ledger.NewLedger(sqldb)
	if err != nil {
		logger.Fatalf("failed to create request ledger: %v", err)
		return nil, err
	}

	myQueue, err := jobqueue.New(sqldb, jobqueue.Config{
		Concurrency: queueConcurrency,
		MaxAttempts: queueMaxAttempts,
		BackoffBase: queueBackoffBase,
	})
	if err != nil {
		logger.Fatalf("failed to create job queue: %v", err)
		return nil, err
	}

	// 2) chain gateways, one per configured chain
	myGateways := map[uint64]*etherman.Etherman{}
	contracts := map[uint64]ethcommon.Address{}
	for _, chain := range rsc.Chains {
		gateway, err := etherman.NewEtherman(&etherman.Config{
			URL:                chain.RpcUrl,
			ChainId:            chain.ChainId,
			StablecoinAddress:  ethcommon.HexToAddress(chain.StablecoinAddr),
			RegistryAddress:    ethcommon.HexToAddress(chain.KycRegistryAddr),
			RelayerPrivateKey:  chain.RelayerPriv,
			StablecoinBytecode: chain.StablecoinBytecode,
		})
		if err != nil {
			logger.Fatalf("failed to create gateway for chain %d: %v", chain.ChainId, err)
			return nil, err
		}
		myGateways[chain.ChainId] = gateway
		contracts[chain.ChainId] = ethcommon.HexToAddress(chain.StablecoinAddr)
		logger.WithFields(logger.Fields{
			"chainId": chain.ChainId,
			"relayer": gateway.RelayerAddress().Hex(),
		}).Info("chain gateway ready")
	}

	// 3) signing: remote kms in production, local key for dev
	digestSigner, err := setupDigestSigner(rsc)
	if err != nil {
		logger.Fatalf("failed to create digest signer: %v", err)
		return nil, err
	}
	mySigner := approval.NewSigner(digestSigner, contracts)

	// fetching the signer address up front verifies the kms is reachable
	// and the key usable; a missing secret is fatal at startup
	signerAddr, err := mySigner.SignerAddress(ctx)
	if err != nil {
		logger.Fatalf("signer unusable: %v", err)
		return nil, err
	}
	logger.WithField("address", signerAddr.Hex()).Info("approval signer ready")

	// 4) services over the primary chain (mints) and every chain (redeems,
	// deployments)
	primary := myGateways[rsc.Chains[0].ChainId]
	myMint := relayer.NewMintService(myLedger, myQueue, mySigner, primary)
	myQueue.Register(relayer.MintQueue, myMint.HandleJob)

	myRedeems := map[uint64]*relayer.RedeemService{}
	myDeploys := map[uint64]*relayer.DeploymentService{}
	for chainId, gateway := range myGateways {
		redeemSvc := relayer.NewRedeemService(myLedger, myQueue, mySigner, gateway)
		myQueue.Register(redeemSvc.QueueName(), redeemSvc.HandleJob)
		myRedeems[chainId] = redeemSvc
		myDeploys[chainId] = relayer.NewDeploymentService(myLedger, mySigner, gateway)
	}

	// handlers are registered; workers may start
	if err := myQueue.Start(ctx); err != nil {
		logger.Fatalf("failed to start job queue: %v", err)
		return nil, err
	}

	// 5) chain synchronizers
	mySyncs := []*chainsync.Synchronizer{}
	for _, chain := range rsc.Chains {
		gateway := myGateways[chain.ChainId]
		chainSync, err := chainsync.New(gateway, myLedger, myRedeems[chain.ChainId], myDeploys[chain.ChainId],
			chainsync.Config{
				FrequencyToCheckNewBlocks: frequencyToCheckNewBlocks,
				StartBlock:                chain.StartBlock,
			})
		if err != nil {
			logger.Fatalf("failed to create synchronizer for chain %d: %v", chain.ChainId, err)
			return nil, err
		}
		mySyncs = append(mySyncs, chainSync)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := chainSync.Sync(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("chain synchronizer stopped: %v", err)
			}
		}()
	}

	// 6) settlement feed listener
	var myFeed *feed.Listener
	if rsc.FeedWsUrl != "" {
		myFeed = feed.NewListener(feed.Config{
			WsURL:         rsc.FeedWsUrl,
			RestURL:       rsc.FeedRestUrl,
			ReconnectBase: feedReconnectBase,
			MaxReconnects: feedMaxReconnects,
		}, myMint)
		myFeed.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-myFeed.Done()
		}()

		// replay instructions the feed queued while we were down
		if rsc.FeedRestUrl != "" {
			if n, err := myFeed.PollPending(ctx); err != nil {
				logger.Warnf("pending instruction poll failed: %v", err)
			} else if n > 0 {
				logger.WithField("count", n).Info("replayed pending mint instructions")
			}
		}
	}

	// *** Setup a http server to report status ***
	chainProbes := []reporter.ChainProbe{}
	for _, gateway := range myGateways {
		chainProbes = append(chainProbes, gateway)
	}
	var feedProbe reporter.FeedProbe
	if myFeed != nil {
		feedProbe = myFeed
	}
	httpServer := reporter.NewHttpReporter(
		rsc.HttpIp,
		rsc.HttpPort,
		myLedger,
		myQueue,
		mySigner,
		chainProbes,
		feedProbe,
	)
	go httpServer.Run()

	return &RelayerServer{
		MyLedger:   myLedger,
		MyQueue:    myQueue,
		MySigner:   mySigner,
		MyGateways: myGateways,
		MySyncs:    mySyncs,
		MyFeed:     myFeed,
		MyMint:     myMint,
		MyRedeems:  myRedeems,
		MyDeploys:  myDeploys,
		db:         sqldb,
	}, nil
}

// Shutdown releases what outlives the cancelled context: the listeners and
// workers observe ctx themselves, then the queue drains, then the db closes.
func (s *RelayerServer) Shutdown() {
	s.MyQueue.Close()
	s.MyLedger.Close()
	s.db.Close()
}

func setupDigestSigner(rsc *RelayerServerConfig) (kms.DigestSigner, error) {
	if rsc.SignerServiceUrl != "" {
		return kms.NewRemoteSigner(kms.RemoteSignerConfig{
			ServiceURL: rsc.SignerServiceUrl,
			KeyID:      rsc.SignerKeyId,
			AuthToken:  rsc.SignerAuthToken,
		}), nil
	}
	if rsc.SignerLocalPriv == "" {
		return nil, fmt.Errorf("neither SIGNER_SERVICE_URL nor SIGNER_LOCAL_PRIV configured")
	}
	logger.Warn("using local in-process signer; do not do this in production")
	return kms.NewLocalSigner(common.HexStrToByteSlice(rsc.SignerLocalPriv))
}

// Create, then start the relayer server and wait.
// Press Ctrl-C to kill the server.
func StartRelayerServerAndWait(rsc *RelayerServerConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Printf("Received signal: %v, cancelling context...\n", sig)
		cancel()
	}()

	var wg sync.WaitGroup

	server, err := NewRelayerServer(rsc, ctx, &wg)
	if err != nil {
		logger.Fatalf("failed to create relayer server: %v", err)
		return
	}

	// wait for the listeners to wind down, then release shared resources
	wg.Wait()
	server.Shutdown()
}
