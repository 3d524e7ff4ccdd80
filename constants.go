package cowdb

// Page size limits
const (
	// MinPageSize is the smallest supported page size
	MinPageSize = 512

	// MaxPageSize is the largest supported page size
	MaxPageSize = 65536

	// DefaultPageSize is used when no page size is configured
	DefaultPageSize = 4096
)

// Environment defaults
const (
	// DefaultMapSize is the default upper bound of the data file (1 GiB).
	DefaultMapSize = 1 << 30

	// DefaultMaxDBs is the default number of named databases.
	DefaultMaxDBs = 8

	// DefaultMaxReaders is the default number of reader slots.
	DefaultMaxReaders = 126
)

// Core database indices
const (
	// FreeDBI is the free-list tree: freeing txn id -> page numbers.
	FreeDBI DBI = 0

	// MainDBI is the unnamed default database. It also stores the records of
	// named databases.
	MainDBI DBI = 1

	// CoreDBs is the number of core databases
	CoreDBs = 2
)

// Page layout
const (
	// pageHeaderSize is the size of the page header
	//
	//	Offset  Size  Field
	//	0       8     txnid (writer of this page version)
	//	8       4     checksum (xxhash64, low 32 bits)
	//	12      2     flags
	//	14      2     lower (end of entry offsets, relative to header)
	//	16      2     upper (start of node area, relative to header)
	//	18      2     reserved
	//	20      4     pgno
	//
	// Large pages reuse lower/upper as a uint32 page count.
	pageHeaderSize = 24

	// nodeHeaderSize is the size of a node header
	nodeHeaderSize = 8

	// numMetas is the number of meta pages at the head of the file
	numMetas = 2

	// cursorStackSize bounds tree depth
	cursorStackSize = 32
)

// Page type flags
const (
	pageBranch uint16 = 0x01
	pageLeaf   uint16 = 0x02
	pageLarge  uint16 = 0x04
	pageMeta   uint16 = 0x08
)

// Environment flags
const (
	// Default is the zero set of flags
	Default uint = 0

	// NoSubdir treats the path as the data file instead of a directory
	NoSubdir uint = 0x4000

	// NoSync skips fdatasync after writing pages and meta on commit
	NoSync uint = 0x10000

	// ReadOnly opens the environment read-only
	ReadOnly uint = 0x20000

	// NoMetaSync skips fdatasync after the meta write only
	NoMetaSync uint = 0x40000

	// NoReadAhead disables kernel read-ahead on the data mapping
	NoReadAhead uint = 0x800000
)

// Transaction flags
const (
	// TxnReadWrite begins a write transaction
	TxnReadWrite uint = 0

	// TxnReadOnly begins a read-only transaction
	TxnReadOnly uint = 0x20000

	// TxnTryWrite fails with ErrBusy instead of waiting for the writer slot
	TxnTryWrite uint = 0x10000000
)

// Database flags
const (
	// Create creates the named database if it does not exist
	Create uint = 0x40000
)

// Put flags
const (
	// NoOverwrite fails with ErrKeyExist if the key is present
	NoOverwrite uint = 0x10

	// Append requires the key to sort after every existing key; it enables
	// the append-optimised split.
	Append uint = 0x20000
)

// File names
const (
	// DataFileName is the data file inside an environment directory
	DataFileName = "data.db"

	// LockFileName is the lock file inside an environment directory
	LockFileName = "lock.db"

	// LockSuffix is appended to the data path for NoSubdir environments
	LockSuffix = "-lock"

	// StageSuffix is appended to the data path for the staging buffer
	StageSuffix = "-stage"
)
