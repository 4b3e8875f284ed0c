package core

// types.go – centralised data model for the routing core, record store and
// replication engine. Kept as a single file (mirrors the flat-file layout
// the rest of this package uses) so the structs referenced across routing,
// storage and replication have one home and no import cycles.

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/bits"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// AddressKind distinguishes the record families that share the NetworkAddress
// keyspace.
type AddressKind uint8

const (
	KindChunk AddressKind = iota
	KindRegister
	KindSpend
	KindPeer
)

func (k AddressKind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindRegister:
		return "register"
	case KindSpend:
		return "spend"
	case KindPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// NetworkAddress is a 256-bit identifier shared by chunks, registers,
// spends and peers. Its XOR distance to another address defines the
// overlay's metric space.
type NetworkAddress struct {
	Kind  AddressKind
	Bytes [32]byte
}

// NewChunkAddress derives a content-addressed NetworkAddress: key = hash(value).
func NewChunkAddress(value []byte) NetworkAddress {
	return NetworkAddress{Kind: KindChunk, Bytes: sha256.Sum256(value)}
}

// NewNamedAddress builds a NetworkAddress for a non-content-addressed kind
// (register, spend, peer) from an arbitrary name, typically a public key.
func NewNamedAddress(kind AddressKind, name []byte) NetworkAddress {
	return NetworkAddress{Kind: kind, Bytes: sha256.Sum256(name)}
}

// RecordKey is the byte form of a NetworkAddress, used as the store's
// primary key.
type RecordKey [32]byte

func (a NetworkAddress) Key() RecordKey { return RecordKey(a.Bytes) }

func (k RecordKey) Hex() string { return hex.EncodeToString(k[:]) }

func (k RecordKey) String() string { return k.Hex() }

// MarshalJSON renders a RecordKey as its hex string rather than a raw
// byte array, matching the Hex()/String() representation used elsewhere.
func (k RecordKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.Hex() + `"`), nil
}

// UnmarshalJSON parses the hex string form produced by MarshalJSON.
func (k *RecordKey) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("record key: invalid JSON %q", data)
	}
	raw, err := hex.DecodeString(string(data[1 : len(data)-1]))
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("record key: invalid hex %q", data)
	}
	copy(k[:], raw)
	return nil
}

// ChunkCID renders a chunk's RecordKey as a CIDv1 (raw codec, sha2-256
// multihash) for operator-facing display — the same content-addressing
// convention IPFS/libp2p tooling uses, so a chunk address prints in a form
// other swarm tooling can consume directly. Only meaningful for
// KindChunk addresses; non-chunk keys are not content hashes of anything
// an external tool could verify.
func (k RecordKey) ChunkCID() (cid.Cid, error) {
	mh, err := multihash.Encode(k[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("record key: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// Distance returns the XOR distance between two addresses as a big.Int.
func Distance(a, b RecordKey) *big.Int {
	var d [32]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(d[:])
}

// Ilog2 returns floor(log2(distance(a,b))), the order-preserving bucket
// index used by the routing table. Identical keys report -1 (no bucket).
func Ilog2(a, b RecordKey) int {
	var d [32]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	for i := 0; i < 32; i++ {
		if d[i] == 0 {
			continue
		}
		// Most-significant non-zero byte: bit position within it plus the
		// bits contributed by all following (less significant) bytes.
		hi := 7 - bits.LeadingZeros8(d[i])
		return (31-i)*8 + hi
	}
	return -1
}

// RecordType distinguishes content-addressed chunks (unique per key) from
// non-chunk records, where distinct values may legitimately share a key and
// are told apart by hashing the value.
type RecordType struct {
	IsChunk     bool
	ContentHash [32]byte // only meaningful when !IsChunk
}

func ChunkType() RecordType { return RecordType{IsChunk: true} }

func NonChunkType(value []byte) RecordType {
	return RecordType{IsChunk: false, ContentHash: sha256.Sum256(value)}
}

// RecordHeader tags the logical payload kind a Record carries.
type RecordHeader uint8

const (
	HeaderChunkWithPayment RecordHeader = iota
	HeaderRegisterWithPayment
	HeaderChunk
	HeaderSpend
	HeaderRegister
)

// MaxRecordValueBytes is the hard cap on a Record's value (spec §3).
const MaxRecordValueBytes = 5 * 1024 * 1024

// Record is the primary unit of storage: a key, its bytes, and optional
// publisher/expiry metadata. Records never expire at this layer; expiry is
// carried for higher layers that choose to interpret it.
type Record struct {
	Key       RecordKey
	Header    RecordHeader
	Value     []byte
	Publisher string
	Expiry    *time.Time
	Type      RecordType
	Proof     *PaymentProof // last payment proof attached to this PUT, if any
}

func (r Record) IsPaymentCarrying() bool {
	return r.Header == HeaderChunkWithPayment || r.Header == HeaderRegisterWithPayment
}

// QuotingMetrics are the inputs to the pricing function, reported alongside
// a Quote so a requester can sanity-check the claimed price.
type QuotingMetrics struct {
	CloseRecordsStored   uint64
	MaxRecords           uint64
	ReceivedPaymentCount uint64
	LiveTimeSeconds      uint64
}

// Quote is a signed price offered by a candidate payee for storing a
// specific record.
type Quote struct {
	Peer           PeerID
	RewardsAddress NetworkAddress
	Cost           uint64
	QuotingMetrics QuotingMetrics
	Signature      []byte
	QuotedAt       time.Time
}

// Hash returns a stable identifier for the quote, used by PaymentProof to
// tie a settlement back to the offer it paid for.
func (q Quote) Hash() [32]byte {
	buf := fmt.Sprintf("%s|%d|%d", q.Peer, q.Cost, q.QuotingMetrics.CloseRecordsStored)
	return sha256.Sum256([]byte(buf))
}

// ChainReceipt is the narrow slice of an on-chain settlement receipt this
// system depends on; the EVM client that produces it is out of scope
// (spec.md §1) and lives behind the ChainClient interface in
// payment_processor.go.
type ChainReceipt struct {
	TxHash      [32]byte
	BlockNumber uint64
	Success     bool
}

// PaymentProof ties a quote to an on-chain settlement. A record's PUT
// carries the last proof; nodes verify proof-against-quote before
// accepting.
type PaymentProof struct {
	QuoteHash    [32]byte
	PayeePeer    PeerID
	Amount       uint64
	ChainReceipt ChainReceipt
}

// PeerID is a libp2p peer identity rendered as a string (peer.ID.String()).
type PeerID string

// Peer is a routing-table entry: identity, known multi-addresses, the
// agent string reported at identify time, and a liveness timestamp.
type Peer struct {
	ID         PeerID
	Addrs      []string
	Agent      string
	LastSeen   time.Time
	Bootstrap  bool
}

func (p Peer) Key() RecordKey { return NewNamedAddress(KindPeer, []byte(p.ID)).Key() }

// PeerInfo is a read-only peer snapshot: identity, address, round-trip
// time and last-update timestamp.
type PeerInfo struct {
	ID      PeerID
	Addr    string
	RTT     float64
	Updated int64
}

// UploadItemKind distinguishes the two upload-pipeline item families. It is
// the single tagged-variant boundary called for in spec.md §9 ("a clean
// redesign expresses this as a tagged variant at a single boundary type").
type UploadItemKind uint8

const (
	ItemChunk UploadItemKind = iota
	ItemRegister
)

// UploadItem is the unit the upload pipeline tracks end to end.
type UploadItem struct {
	Kind    UploadItemKind
	Address NetworkAddress
	// Payload holds in-memory bytes (the only source for a Register item).
	// A Chunk item may instead carry Path, a filesystem path the pipeline
	// reads at upload time; a failed read is a fatal local I/O error.
	Payload []byte
	Path    string
}

func (it UploadItem) Key() RecordKey { return it.Address.Key() }

// InboundMsg is a demultiplexed swarm message delivered to a subscriber.
type InboundMsg struct {
	PeerID  PeerID
	Payload []byte
	Topic   string
	Ts      int64
}

// Config is the subset of node configuration the core package consumes.
// cmd/antnode fills it from the pkg/config.Config that pkg/config.Load
// reads from YAML + environment via viper.
type Config struct {
	ListenAddr      string
	BootstrapPeers  []string
	DiscoveryTag    string
	HomeNetwork     bool
	EnableUPnP      bool
	EnableWebsocket bool
	WebsocketAddr   string
	DataDir         string
	NetworkKeyVersion string
}
