package scans

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/scanguard/internal/idgen"
)

// ctxCheckEvery is how many rows EachScan visits between context checks.
const ctxCheckEvery = 256

type codeEntry struct {
	mu     sync.RWMutex
	code   QRCode
	events []*ScanEvent
}

type ipEntry struct {
	mu     sync.RWMutex
	events []*ScanEvent
}

type accountEntry struct {
	mu        sync.RWMutex
	keys      []string
	countries map[string]int
}

type scanRef struct {
	entry   *codeEntry
	ip      *ipEntry
	event   *ScanEvent
	account string
}

// MemoryStore is an in-memory Store for development and testing.
// Each code has its own lock, so concurrent scans of different codes proceed
// independently; scans of the same code serialize on that code only.
type MemoryStore struct {
	codes    sync.Map // qrKey -> *codeEntry
	ips      sync.Map // ip -> *ipEntry
	accounts sync.Map // accountID -> *accountEntry
	scanIDs  sync.Map // scanID -> *scanRef

	now func() time.Time
}

// NewMemoryStore creates a new in-memory scan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// WithClock overrides the store clock used for trailing windows.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) account(id string) *accountEntry {
	v, _ := m.accounts.LoadOrStore(id, &accountEntry{countries: make(map[string]int)})
	return v.(*accountEntry)
}

func (m *MemoryStore) CreateCode(ctx context.Context, code *QRCode) error {
	cp := code.Clone()
	cp.ScanCount = 0
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	entry := &codeEntry{code: *cp}
	if _, loaded := m.codes.LoadOrStore(code.QRKey, entry); loaded {
		return ErrCodeExists
	}

	acct := m.account(code.AccountID)
	acct.mu.Lock()
	acct.keys = append(acct.keys, code.QRKey)
	acct.mu.Unlock()

	code.ScanCount = 0
	code.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryStore) GetCode(ctx context.Context, qrKey string) (*QRCode, error) {
	v, ok := m.codes.Load(qrKey)
	if !ok {
		return nil, ErrUnknownCode
	}
	entry := v.(*codeEntry)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.code.Clone(), nil
}

func (m *MemoryStore) accountCodes(accountID string, productID *int64) []*QRCode {
	v, ok := m.accounts.Load(accountID)
	if !ok {
		return nil
	}
	acct := v.(*accountEntry)
	acct.mu.RLock()
	keys := append([]string(nil), acct.keys...)
	acct.mu.RUnlock()

	out := make([]*QRCode, 0, len(keys))
	for _, k := range keys {
		code, err := m.GetCode(context.Background(), k)
		if err != nil {
			continue
		}
		if productID != nil && (code.ProductID == nil || *code.ProductID != *productID) {
			continue
		}
		out = append(out, code)
	}
	return out
}

func (m *MemoryStore) ListCodes(ctx context.Context, q CodeQuery) ([]*QRCode, int, error) {
	if err := q.Validate(); err != nil {
		return nil, 0, err
	}
	codes := m.accountCodes(q.AccountID, q.ProductID)
	sort.Slice(codes, func(i, j int) bool {
		if !codes[i].CreatedAt.Equal(codes[j].CreatedAt) {
			return codes[i].CreatedAt.After(codes[j].CreatedAt)
		}
		return codes[i].QRKey < codes[j].QRKey
	})

	total := len(codes)
	if q.Offset >= total {
		return []*QRCode{}, total, nil
	}
	codes = codes[q.Offset:]
	if q.Limit > 0 && len(codes) > q.Limit {
		codes = codes[:q.Limit]
	}
	return codes, total, nil
}

func (m *MemoryStore) CodeStats(ctx context.Context, accountID string, productID *int64) (*CodeStats, error) {
	stats := &CodeStats{}
	for _, c := range m.accountCodes(accountID, productID) {
		stats.TotalCodes++
		stats.TotalScans += c.ScanCount
		if c.ScanCount > 0 {
			stats.ScannedCodes++
		}
	}
	return stats, nil
}

func (m *MemoryStore) RecordScan(ctx context.Context, ev *ScanEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, ok := m.codes.Load(ev.QRKey)
	if !ok {
		return ErrUnknownCode
	}
	entry := v.(*codeEntry)

	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("scan_")
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = m.now().UTC()
	}
	if ev.SecurityFlags == nil {
		ev.SecurityFlags = []string{}
	}
	stored := ev.Clone()
	ipv, _ := m.ips.LoadOrStore(stored.IPAddress, &ipEntry{})
	ip := ipv.(*ipEntry)

	entry.mu.Lock()
	ref := &scanRef{entry: entry, ip: ip, event: stored, account: entry.code.AccountID}
	if _, dup := m.scanIDs.LoadOrStore(stored.ID, ref); dup {
		entry.mu.Unlock()
		return nil
	}
	entry.events = append(entry.events, stored)
	entry.code.ScanCount++
	accountID := entry.code.AccountID
	entry.mu.Unlock()

	ip.mu.Lock()
	ip.events = append(ip.events, stored)
	ip.mu.Unlock()

	if country := stored.Country(); country != "" {
		acct := m.account(accountID)
		acct.mu.Lock()
		acct.countries[country]++
		acct.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) AttachFlags(ctx context.Context, scanID string, flags []string) error {
	v, ok := m.scanIDs.Load(scanID)
	if !ok {
		return ErrScanNotFound
	}
	ref := v.(*scanRef)
	// The event is shared by the code and IP indexes; lock order is code, then ip.
	ref.entry.mu.Lock()
	ref.ip.mu.Lock()
	ref.event.SecurityFlags = append([]string{}, flags...)
	ref.ip.mu.Unlock()
	ref.entry.mu.Unlock()
	return nil
}

// snapshot copies events from list whose OccurredAt is inside [since, +inf),
// sorted ascending by OccurredAt. The caller must hold the owning lock.
func snapshot(list []*ScanEvent, since time.Time) []*ScanEvent {
	out := make([]*ScanEvent, 0, len(list))
	for _, ev := range list {
		if ev.OccurredAt.Before(since) {
			continue
		}
		out = append(out, ev.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out
}

func (m *MemoryStore) ScanHistory(ctx context.Context, qrKey string, window time.Duration) ([]*ScanEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.codes.Load(qrKey)
	if !ok {
		return nil, ErrUnknownCode
	}
	entry := v.(*codeEntry)
	since := m.now().Add(-window)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return snapshot(entry.events, since), nil
}

func (m *MemoryStore) ScansByIP(ctx context.Context, ip string, window time.Duration) ([]*ScanEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.ips.Load(ip)
	if !ok {
		return []*ScanEvent{}, nil
	}
	entry := v.(*ipEntry)
	since := m.now().Add(-window)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return snapshot(entry.events, since), nil
}

func (m *MemoryStore) CountryFootprint(ctx context.Context, accountID, excludeScanID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]int)
	v, ok := m.accounts.Load(accountID)
	if !ok {
		return out, nil
	}
	acct := v.(*accountEntry)
	acct.mu.RLock()
	for c, n := range acct.countries {
		out[c] = n
	}
	acct.mu.RUnlock()

	if excludeScanID == "" {
		return out, nil
	}
	if rv, ok := m.scanIDs.Load(excludeScanID); ok {
		ref := rv.(*scanRef)
		if c := ref.event.Country(); ref.account == accountID && c != "" {
			out[c]--
			if out[c] <= 0 {
				delete(out, c)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) DistinctScanners(ctx context.Context, qrKey string) (int, error) {
	v, ok := m.codes.Load(qrKey)
	if !ok {
		return 0, ErrUnknownCode
	}
	entry := v.(*codeEntry)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	seen := make(map[string]struct{}, len(entry.events))
	for _, ev := range entry.events {
		seen[ev.IPAddress] = struct{}{}
	}
	return len(seen), nil
}

func (m *MemoryStore) EachScan(ctx context.Context, q Query, fn func(*ScanEvent, *QRCode) error) error {
	if err := q.Validate(); err != nil {
		return err
	}
	rows := 0
	for _, code := range m.accountCodes(q.AccountID, q.ProductID) {
		if q.QRKey != "" && code.QRKey != q.QRKey {
			continue
		}
		v, ok := m.codes.Load(code.QRKey)
		if !ok {
			continue
		}
		entry := v.(*codeEntry)
		entry.mu.RLock()
		events := make([]*ScanEvent, 0, len(entry.events))
		for _, ev := range entry.events {
			if q.Matches(code, ev) {
				events = append(events, ev.Clone())
			}
		}
		entry.mu.RUnlock()

		for _, ev := range events {
			if rows%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			rows++
			if err := fn(ev, code); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
