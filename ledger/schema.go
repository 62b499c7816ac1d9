package ledger

var (
	// One row per idempotency key. The primary key on requestId is the
	// admission linearization point: concurrent duplicate deliveries of the
	// same event collapse into a single row.
	requestTable = `CREATE TABLE IF NOT EXISTS request (
		requestId VARCHAR(128) PRIMARY KEY NOT NULL,
		kind VARCHAR(10) NOT NULL,
		status VARCHAR(12) NOT NULL,
		account CHAR(40) NOT NULL,
		amount TEXT NOT NULL,
		chainId BIGINT NOT NULL,
		txHash CHAR(64),
		errorMessage TEXT,
		fiatRef VARCHAR(128),
		createdAt BIGINT NOT NULL,
		updatedAt BIGINT NOT NULL,
		CONSTRAINT chk_kind CHECK (kind IN ('mint', 'redeem')),
		CONSTRAINT chk_status CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		CONSTRAINT chk_requestId CHECK (requestId != ''),
		CONSTRAINT chk_amount CHECK (amount != '')
	);`

	// Monotonic per (address, chainId) counter. Never decremented.
	nonceTable = `CREATE TABLE IF NOT EXISTS nonce (
		address CHAR(40) NOT NULL,
		chainId BIGINT NOT NULL,
		nonce BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (address, chainId),
		CONSTRAINT chk_nonce CHECK (nonce > 0)
	);`

	stablecoinTable = `CREATE TABLE IF NOT EXISTS stablecoin (
		id VARCHAR(64) PRIMARY KEY NOT NULL,
		tokenName VARCHAR(64) NOT NULL,
		tokenSymbol VARCHAR(16) NOT NULL,
		contractAddress CHAR(40) NOT NULL,
		deployerAddress CHAR(40) NOT NULL,
		deploymentTxHash CHAR(64) NOT NULL,
		blockNumber BIGINT NOT NULL,
		chainId BIGINT NOT NULL,
		isActive BOOLEAN NOT NULL,
		CONSTRAINT chk_contractAddress CHECK (contractAddress != '')
	);`

	// Small key-value store; holds the chain listener block cursors.
	kvTable = `CREATE TABLE IF NOT EXISTS kv (
		key VARCHAR(128) PRIMARY KEY NOT NULL,
		value VARCHAR(128) NOT NULL
	);`
)
