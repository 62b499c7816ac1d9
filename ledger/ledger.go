package ledger

import (
	"database/sql"
	"errors"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/fiatbridge/relayer-go/database"
)

var (
	ErrDuplicateRequest = errors.New("request with this id already exists")
	ErrRequestNotFound  = errors.New("request not found in ledger")
	ErrTerminalState    = errors.New("request is in a terminal state")
)

// Ledger is the sole writer of request records, nonce counters and
// deployment records. All other components go through its methods.
type Ledger struct {
	db        *sql.DB
	stmtCache *database.StmtCache
}

func NewLedger(db *sql.DB) (*Ledger, error) {
	if _, err := db.Exec(requestTable + nonceTable + stablecoinTable + kvTable); err != nil {
		return nil, err
	}

	return &Ledger{
		db:        db,
		stmtCache: database.NewStmtCache(db),
	}, nil
}

func (l *Ledger) Close() {
	l.stmtCache.Clear()
}

func (l *Ledger) Ping() error {
	return l.db.Ping()
}

// CreateRequest inserts a new pending record. A second insert under the same
// requestId returns ErrDuplicateRequest; the unique key is what linearizes
// concurrent duplicate deliveries.
func (l *Ledger) CreateRequest(r *RequestRecord) error {
	query := `INSERT INTO request
		(requestId, kind, status, account, amount, chainId, txHash, errorMessage, fiatRef, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	r.Status = StatusPending
	r.CreatedAt = now
	r.UpdatedAt = now

	s := (&sqlRequest{}).encode(r)
	_, err = stmt.Exec(
		s.RequestID, s.Kind, s.Status, s.Account, s.Amount, s.ChainID,
		s.TxHash, s.ErrorMessage, s.FiatRef, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		// only a primary-key collision is a duplicate; CHECK violations
		// (malformed input) must surface as themselves
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return ErrDuplicateRequest
		}
		return err
	}
	return nil
}

func (l *Ledger) GetRequest(requestId string) (*RequestRecord, bool, error) {
	query := `SELECT requestId, kind, status, account, amount, chainId, txHash, errorMessage, fiatRef, createdAt, updatedAt
		FROM request WHERE requestId = ?`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	var s sqlRequest
	err = stmt.QueryRow(requestId).Scan(
		&s.RequestID, &s.Kind, &s.Status, &s.Account, &s.Amount, &s.ChainID,
		&s.TxHash, &s.ErrorMessage, &s.FiatRef, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	r, err := s.decode()
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// MarkProcessing moves a request to processing. Re-marking a request that is
// already processing is allowed (queue retries re-enter execution); moving
// out of a terminal state is not.
func (l *Ledger) MarkProcessing(requestId string) error {
	return l.transition(requestId, StatusProcessing, ethcommon.Hash{}, "",
		[]RequestStatus{StatusPending, StatusProcessing})
}

// MarkCompleted records the transaction hash and closes the request.
// Completing an already-completed request is a no-op so that confirmation
// events observed more than once stay idempotent.
func (l *Ledger) MarkCompleted(requestId string, txHash ethcommon.Hash) error {
	err := l.transition(requestId, StatusCompleted, txHash, "",
		[]RequestStatus{StatusPending, StatusProcessing})
	if err == ErrTerminalState {
		r, ok, gerr := l.GetRequest(requestId)
		if gerr != nil {
			return gerr
		}
		if ok && r.Status == StatusCompleted {
			return nil
		}
	}
	return err
}

// MarkFailed records the failure message. Failing an already-failed request
// is a no-op; a completed request cannot be failed.
func (l *Ledger) MarkFailed(requestId string, errorMessage string) error {
	err := l.transition(requestId, StatusFailed, ethcommon.Hash{}, errorMessage,
		[]RequestStatus{StatusPending, StatusProcessing})
	if err == ErrTerminalState {
		r, ok, gerr := l.GetRequest(requestId)
		if gerr != nil {
			return gerr
		}
		if ok && r.Status == StatusFailed {
			return nil
		}
	}
	return err
}

// transition performs a guarded status update. The WHERE clause only matches
// rows whose current status is in allowedFrom, so an update racing with
// another writer can never resurrect a terminal record.
func (l *Ledger) transition(requestId string, to RequestStatus, txHash ethcommon.Hash, errorMessage string, allowedFrom []RequestStatus) error {
	query := `UPDATE request SET status = ?, txHash = COALESCE(?, txHash), errorMessage = COALESCE(?, errorMessage), updatedAt = ?
		WHERE requestId = ? AND status IN (?, ?)`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	var txHashArg, errArg *string
	if txHash != (ethcommon.Hash{}) {
		h := txHash.String()[2:]
		txHashArg = &h
	}
	if errorMessage != "" {
		errArg = &errorMessage
	}

	res, err := stmt.Exec(
		string(to), txHashArg, errArg, time.Now().UTC().Unix(),
		requestId, string(allowedFrom[0]), string(allowedFrom[1]),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, ok, err := l.GetRequest(requestId)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRequestNotFound
		}
		return ErrTerminalState
	}
	return nil
}

// NextNonce atomically increments and returns the counter for
// (address, chainId). The single upsert statement makes the sequence
// strictly increasing and gap-free even under concurrent workers.
func (l *Ledger) NextNonce(address ethcommon.Address, chainId uint64) (uint64, error) {
	query := `INSERT INTO nonce (address, chainId, nonce) VALUES (?, ?, 1)
		ON CONFLICT(address, chainId) DO UPDATE SET nonce = nonce + 1
		RETURNING nonce`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return 0, err
	}

	var nonce uint64
	if err := stmt.QueryRow(address.String()[2:], chainId).Scan(&nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// ActiveDeployment looks up the active contract for (account, name, symbol).
func (l *Ledger) ActiveDeployment(account ethcommon.Address, tokenName, tokenSymbol string) (*DeployedStablecoin, bool, error) {
	query := `SELECT id, tokenName, tokenSymbol, contractAddress, deployerAddress, deploymentTxHash, blockNumber, chainId, isActive
		FROM stablecoin WHERE deployerAddress = ? AND tokenName = ? AND tokenSymbol = ? AND isActive = 1`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	var (
		d                                 DeployedStablecoin
		contractAddr, deployerAddr, txHsh string
	)
	err = stmt.QueryRow(account.String()[2:], tokenName, tokenSymbol).Scan(
		&d.ID, &d.TokenName, &d.TokenSymbol, &contractAddr, &deployerAddr,
		&txHsh, &d.BlockNumber, &d.ChainID, &d.IsActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	d.ContractAddress = ethcommon.HexToAddress("0x" + contractAddr)
	d.DeployerAddress = ethcommon.HexToAddress("0x" + deployerAddr)
	d.DeploymentTxHash = ethcommon.HexToHash("0x" + txHsh)
	return &d, true, nil
}

// SaveDeployment persists a deployment record. The id is generated here.
func (l *Ledger) SaveDeployment(d *DeployedStablecoin) error {
	query := `INSERT INTO stablecoin
		(id, tokenName, tokenSymbol, contractAddress, deployerAddress, deploymentTxHash, blockNumber, chainId, isActive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err = stmt.Exec(
		d.ID, d.TokenName, d.TokenSymbol,
		d.ContractAddress.String()[2:], d.DeployerAddress.String()[2:],
		d.DeploymentTxHash.String()[2:], d.BlockNumber, d.ChainID, d.IsActive,
	)
	return err
}

func (l *Ledger) GetKeyedValue(key string) (string, bool, error) {
	query := `SELECT value FROM kv WHERE key = ?`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return "", false, err
	}

	var value string
	if err := stmt.QueryRow(key).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (l *Ledger) SetKeyedValue(key, value string) error {
	query := `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key, value)
	return err
}
