// Package addressbook maps recipient names used in chat ("Alice", "landlord")
// to on-chain addresses. Names are matched case-insensitively; anything that
// already looks like a 0x address is returned unchanged.
package addressbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when registering a malformed address.
var ErrInvalidAddress = errors.New("invalid address")

// Book resolves recipient names to addresses.
type Book interface {
	// Resolve returns ok=false when the name is unknown. It never guesses.
	Resolve(ctx context.Context, nameOrAddress string) (common.Address, bool, error)
	Register(ctx context.Context, name, address string) error
	Remove(ctx context.Context, name string) error
	Close() error
}

// NormalizeName is the key form names are stored under.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// literal reports whether s is a raw hex address.
func literal(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseAddress(address string) (common.Address, error) {
	addr, ok := literal(address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return addr, nil
}

// MemoryBook keeps entries in process memory.
type MemoryBook struct {
	mu      sync.RWMutex
	entries map[string]common.Address
}

// NewMemoryBook seeds a book from name→address pairs.
func NewMemoryBook(seed map[string]string) (*MemoryBook, error) {
	book := &MemoryBook{entries: make(map[string]common.Address, len(seed))}
	for name, address := range seed {
		if err := book.Register(context.Background(), name, address); err != nil {
			return nil, err
		}
	}
	return book, nil
}

// Resolve implements Book.
func (b *MemoryBook) Resolve(_ context.Context, nameOrAddress string) (common.Address, bool, error) {
	if addr, ok := literal(nameOrAddress); ok {
		return addr, true, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.entries[NormalizeName(nameOrAddress)]
	return addr, ok, nil
}

// Register implements Book.
func (b *MemoryBook) Register(_ context.Context, name, address string) error {
	key := NormalizeName(name)
	if key == "" {
		return errors.New("name is empty")
	}
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.entries[key] = addr
	b.mu.Unlock()
	return nil
}

// Remove implements Book.
func (b *MemoryBook) Remove(_ context.Context, name string) error {
	b.mu.Lock()
	delete(b.entries, NormalizeName(name))
	b.mu.Unlock()
	return nil
}

// Close implements Book.
func (b *MemoryBook) Close() error { return nil }

var _ Book = (*MemoryBook)(nil)
