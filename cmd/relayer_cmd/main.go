package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/fiatbridge/relayer-go/cmd"
	"github.com/fiatbridge/relayer-go/logconfig"
)

const (
	ENV_CONFIG_FILE_PATH = "RELAYER_CONFIG"
)

func main() {
	// Tool to read environment variables
	viper.AutomaticEnv()

	// Accessing an environment variable of configuration file location.
	_config_file := viper.GetString(ENV_CONFIG_FILE_PATH)
	fmt.Printf("Relayer server configuration file = %s\n", _config_file)

	// See if file exists
	if !cmd.FileExists(_config_file) {
		fmt.Printf("Relayer server configuration file not found: %s\n", _config_file)
		return
	}

	// Read from config file.
	success := initializeViper(_config_file)
	if !success {
		return
	}

	switch viper.GetString("LOG_LEVEL") {
	case "debug":
		logconfig.ConfigDebugLogger()
	case "production":
		logconfig.ConfigProductionLogger()
	default:
		logconfig.ConfigInfoLogger()
	}

	// Make the configuration
	rsc := PrepareRelayerServerConfig()
	if rsc == nil {
		fmt.Printf("Error loading relayer server configuration\n")
		return
	}

	fmt.Println("Starting relayer server... press Ctrl+C to kill the server")
	// Start server and block.
	cmd.StartRelayerServerAndWait(rsc)
}

func initializeViper(filePath string) bool {
	viper.SetConfigFile(filePath)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading configuration file, %s", err)
		return false
	}
	return true
}

// chainEntry mirrors one element of the CHAINS table in the config file.
type chainEntry struct {
	RpcUrl             string `mapstructure:"rpc_url"`
	ChainId            uint64 `mapstructure:"chain_id"`
	StablecoinAddr     string `mapstructure:"stablecoin_addr"`
	KycRegistryAddr    string `mapstructure:"kyc_registry_addr"`
	RelayerPriv        string `mapstructure:"relayer_priv"`
	StablecoinBytecode string `mapstructure:"stablecoin_bytecode"`
	StartBlock         uint64 `mapstructure:"start_block"`
}

// PrepareRelayerServerConfig reads configuration variables and returns a RelayerServerConfig.
func PrepareRelayerServerConfig() *cmd.RelayerServerConfig {

	// *** prepare the per-chain table ***

	var entries []chainEntry
	if err := viper.UnmarshalKey("CHAINS", &entries); err != nil {
		fmt.Printf("Error parsing CHAINS table: %s", err)
		return nil
	}
	if len(entries) == 0 {
		fmt.Printf("No chains configured under CHAINS\n")
		return nil
	}

	chains := make([]cmd.ChainServerConfig, 0, len(entries))
	for _, e := range entries {
		chains = append(chains, cmd.ChainServerConfig{
			RpcUrl:             e.RpcUrl,
			ChainId:            e.ChainId,
			StablecoinAddr:     e.StablecoinAddr,
			KycRegistryAddr:    e.KycRegistryAddr,
			RelayerPriv:        e.RelayerPriv,
			StablecoinBytecode: e.StablecoinBytecode,
			StartBlock:         e.StartBlock,
		})
	}

	// *** end of preparing objects ***

	return &cmd.RelayerServerConfig{
		// state side
		DbFilePath: viper.GetString("DB_FILE_PATH"),
		// chains
		Chains: chains,
		// signer side
		SignerServiceUrl: viper.GetString("SIGNER_SERVICE_URL"),
		SignerKeyId:      viper.GetString("SIGNER_KEY_ID"),
		SignerAuthToken:  viper.GetString("SIGNER_AUTH_TOKEN"),
		SignerLocalPriv:  viper.GetString("SIGNER_LOCAL_PRIV"),
		// settlement feed side
		FeedWsUrl:   viper.GetString("FEED_WS_URL"),
		FeedRestUrl: viper.GetString("FEED_REST_URL"),
		// Http side
		HttpIp:   viper.GetString("HTTP_IP"),
		HttpPort: viper.GetString("HTTP_PORT"),
	}
}
