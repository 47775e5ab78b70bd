package params

import "time"

// Nostr event kinds understood by the gateway. The numbers are part of the
// wire protocol and must not change.
const (
	// KindProfile is a user profile (NIP-01 metadata)
	KindProfile = 0

	// KindContacts is a user contact list
	KindContacts = 3

	// KindDeletion requests removal of events named in its e-tags
	KindDeletion = 5

	// KindPublicMessage is a public text message. Messages whose content
	// carries WriteProofMarker are treated as replaceable write proofs.
	KindPublicMessage = 24

	// KindRelayList declares a user's inbox/outbox relays (NIP-65)
	KindRelayList = 10002

	// KindHTTPAuth authorizes a single HTTP request (NIP-98)
	KindHTTPAuth = 27235

	// KindRelayAuth answers a relay AUTH challenge (NIP-42)
	KindRelayAuth = 22242

	// KindSSHKeyAttestation binds an SSH key to a pubkey
	KindSSHKeyAttestation = 30001

	// KindRepoAnnouncement is a repository's self-description.
	// Parameterized replaceable; d-tag is the repository name.
	KindRepoAnnouncement = 30617

	// KindMaintainers lists additional allowed pushers for a repository
	KindMaintainers = 30618

	// KindBranchProtection carries per-branch push/delete policy
	KindBranchProtection = 30619

	// KindOwnershipTransfer hands a repository to a new owner. Chained;
	// each transfer must be signed by the owner it replaces.
	KindOwnershipTransfer = 30620

	// KindPullRequest and friends describe pull requests and their status
	KindPullRequest     = 1618
	KindPRStatusOpen    = 1630
	KindPRStatusApplied = 1631
	KindPRStatusClosed  = 1632
	KindPRStatusDraft   = 1633

	// KindCommitSignature binds a git commit to a Nostr identity
	KindCommitSignature = 1640
)

// WriteProofMarker marks a kind-24 message as a write proof. Such messages
// dedupe as a single replaceable slot per pubkey.
const WriteProofMarker = "write-proof"

// Relay client limits
var (
	// RelayConnectTimeout bounds a single websocket dial
	RelayConnectTimeout = 3 * time.Second

	// RelayFetchTimeout bounds one fetch across all relays
	RelayFetchTimeout = 8 * time.Second

	// RelayPublishTimeout bounds the wait for a publish OK
	RelayPublishTimeout = 10 * time.Second

	// SocketIdleTimeout is how long a socket with no pending
	// requests is kept open
	SocketIdleTimeout = 30 * time.Second

	// MaxSocketsPerRelay caps concurrent sockets to one relay
	MaxSocketsPerRelay = 3

	// RelayBackoffInitial is the first reconnect delay for a failing relay
	RelayBackoffInitial = 1 * time.Second

	// RelayBackoffMax caps the reconnect delay
	RelayBackoffMax = 32 * time.Second

	// DeletionScanWindow is how far back the deletion scanner looks
	DeletionScanWindow = 24 * time.Hour
)

// Event cache limits
var (
	// EventCacheTTL is the default freshness window of a cached filter result
	EventCacheTTL = 5 * time.Minute

	// ProfileCacheTTL is the freshness window for cached profiles
	ProfileCacheTTL = 30 * time.Minute

	// EventCacheMaxAge is the hard upper bound on any cached entry
	EventCacheMaxAge = 7 * 24 * time.Hour

	// EventCacheMemSize is the max number of filter entries held in memory
	EventCacheMemSize = 1000
)

// Authorization and policy limits
var (
	// AuthFreshnessWindow is the max allowed |now - created_at| of an auth event
	AuthFreshnessWindow = 60 * time.Second

	// OwnerCacheTTL is how long a resolved current owner is memoized
	OwnerCacheTTL = 5 * time.Minute
)

// In-repo record files. Both live under a nostr/ subtree of the
// working tree and are append-only JSONL streams.
const (
	// RepoEventsFile records announcement and policy events
	RepoEventsFile = "nostr/repo-events.jsonl"

	// CommitSignaturesFile records commit signature events
	CommitSignaturesFile = "nostr/commit-signatures.jsonl"
)

// Mutation limits
var (
	// MaxCommitMsgLen is the max commit message length in characters
	MaxCommitMsgLen = 1000

	// MaxFileSize is the max writable file size in bytes
	MaxFileSize = int64(500 * 1024 * 1024)

	// MaxFilePathLen is the max file path length in bytes
	MaxFilePathLen = 4096

	// MaxRepoNameLen is the max repository name length
	MaxRepoNameLen = 100
)

// Gateway limits
var (
	// BackendTimeout is the wall-clock budget of one git backend invocation
	BackendTimeout = 5 * time.Minute

	// BackendKillGrace is the delay between SIGTERM and SIGKILL
	BackendKillGrace = 5 * time.Second

	// MirrorPushTimeout bounds one background mirror push
	MirrorPushTimeout = 5 * time.Minute
)

// Git binary requirements
var (
	// MinGitVersion is the lowest git version the server will run with
	MinGitVersion = "2.31.0"

	// OrphanWorktreeGitVersion is the version that introduced
	// `git worktree add --orphan`, used for first-branch bootstrap
	OrphanWorktreeGitVersion = "2.42.0"
)

// IsReplaceableKind reports whether events of the kind replace earlier
// events by the same pubkey.
func IsReplaceableKind(kind int) bool {
	return kind == KindProfile || kind == KindContacts ||
		(kind >= 10000 && kind < 20000)
}

// IsParamReplaceableKind reports whether events of the kind replace earlier
// events by the same pubkey and d-tag.
func IsParamReplaceableKind(kind int) bool {
	return kind >= 30000 && kind < 40000
}
