package records

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/miekg/dns"
)

// Record is a user-supplied DNS record to attach to a registered name.
type Record struct {
	Name  string
	Type  string
	TTL   uint32
	Value string
}

var (
	// ErrNoRecords is returned when a submission carries no records.
	ErrNoRecords = errors.New("records: no records supplied")

	// ErrUnsupportedType is returned for record types the resolver does
	// not store.
	ErrUnsupportedType = errors.New("records: unsupported record type")
)

// supportedTypes are the record types the resolver contract accepts.
var supportedTypes = map[string]bool{
	"A":     true,
	"AAAA":  true,
	"TXT":   true,
	"CNAME": true,
	"MX":    true,
	"SRV":   true,
}

const defaultTTL = 300

// Validate parses the record through a real DNS parser so malformed values
// are rejected before they reach the chain.
func Validate(record Record) error {
	rtype := strings.ToUpper(strings.TrimSpace(record.Type))
	if !supportedTypes[rtype] {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, record.Type)
	}
	if strings.TrimSpace(record.Name) == "" {
		return fmt.Errorf("records: record name required")
	}
	if strings.TrimSpace(record.Value) == "" {
		return fmt.Errorf("records: record value required")
	}
	if _, err := toRR(record); err != nil {
		return fmt.Errorf("records: invalid %s record: %w", rtype, err)
	}
	return nil
}

func toRR(record Record) (dns.RR, error) {
	ttl := record.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	text := fmt.Sprintf("%s %d IN %s %s",
		dns.Fqdn(strings.TrimSpace(record.Name)),
		ttl,
		strings.ToUpper(strings.TrimSpace(record.Type)),
		strings.TrimSpace(record.Value),
	)
	rr, err := dns.NewRR(text)
	if err != nil {
		return nil, err
	}
	if rr == nil {
		return nil, fmt.Errorf("empty record")
	}
	return rr, nil
}

// Pack validates every record and encodes the set into DNS wire format, the
// layout the resolver contract stores verbatim.
func Pack(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	buf := make([]byte, 0, 64*len(records))
	scratch := make([]byte, 4096)
	for i, record := range records {
		if err := Validate(record); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rr, err := toRR(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		off, err := dns.PackRR(rr, scratch, 0, nil, false)
		if err != nil {
			return nil, fmt.Errorf("record %d: pack: %w", i, err)
		}
		buf = append(buf, scratch[:off]...)
	}
	return buf, nil
}

// Namehash derives the resolver storage key for a name, hashing each label
// right to left.
func Namehash(name string) common.Hash {
	var node common.Hash
	name = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(name)), ".")
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256Hash([]byte(labels[i]))
		node = crypto.Keccak256Hash(node[:], labelHash[:])
	}
	return node
}

// ResolverABI covers the resolver's DNS record surface.
var ResolverABI = mustParseABI(resolverABIJSON)

const resolverABIJSON = `[
	{"name":"setDNSRecords","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"data","type":"bytes"}],"outputs":[]},
	{"name":"dnsRecord","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"name","type":"bytes32"},{"name":"resource","type":"uint16"}],"outputs":[{"name":"","type":"bytes"}]}
]`

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse resolver ABI: %v", err))
	}
	return parsed
}

// Sender submits signed contract calls.
type Sender interface {
	WriteContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, value *big.Int, gasLimit uint64, args ...interface{}) (common.Hash, error)
}

// Manager writes DNS record sets to the on-chain resolver.
type Manager struct {
	sender   Sender
	resolver common.Address
}

// NewManager binds a record manager to a resolver contract.
func NewManager(sender Sender, resolver common.Address) (*Manager, error) {
	if sender == nil {
		return nil, fmt.Errorf("records: sender required")
	}
	if resolver == (common.Address{}) {
		return nil, fmt.Errorf("records: resolver address required")
	}
	return &Manager{sender: sender, resolver: resolver}, nil
}

// SetRecords packs the record set and submits it under the name's node.
func (m *Manager) SetRecords(ctx context.Context, name string, records []Record) (common.Hash, error) {
	if strings.TrimSpace(name) == "" {
		return common.Hash{}, fmt.Errorf("records: name required")
	}
	packed, err := Pack(records)
	if err != nil {
		return common.Hash{}, err
	}
	node := Namehash(name)
	txHash, err := m.sender.WriteContract(ctx, m.resolver, ResolverABI, "setDNSRecords", nil, 0, [32]byte(node), packed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("records: submit records: %w", err)
	}
	return txHash, nil
}
