package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var (
	ErrNonceUnavailable    = errors.New("nonce unavailable")
	ErrReservationNotFound = errors.New("nonce reservation not found")
	ErrUnderpriced         = errors.New("replacement gas price must exceed the original")
	ErrDuplicateTxID       = errors.New("transaction id already holds a reservation")
)

// Source reads the chain's pending transaction count for an account
type Source interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Config holds nonce manager settings
type Config struct {
	ReservationTTL  time.Duration `mapstructure:"reservation_ttl"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// GapWindow bounds how far ahead of current gap detection looks
	GapWindow uint64 `mapstructure:"gap_window"`
}

// DefaultConfig returns default nonce manager settings
func DefaultConfig() *Config {
	return &Config{
		ReservationTTL:  300 * time.Second,
		SyncInterval:    30 * time.Second,
		CleanupInterval: 10 * time.Second,
		GapWindow:       64,
	}
}

// AccountNonceState tracks nonce allocation for a single account. A nonce is
// in at most one of pending, confirmed and failed.
type AccountNonceState struct {
	mu sync.Mutex

	account      common.Address
	current      uint64
	pending      map[uint64]string // nonce -> txID
	confirmed    map[uint64]struct{}
	failed       map[uint64]struct{}
	reservations map[string]*types.NonceReservation
	highestSeen  uint64
	seenAny      bool
	lastSync     time.Time
}

func newAccountState(account common.Address, current uint64) *AccountNonceState {
	return &AccountNonceState{
		account:      account,
		current:      current,
		pending:      make(map[uint64]string),
		confirmed:    make(map[uint64]struct{}),
		failed:       make(map[uint64]struct{}),
		reservations: make(map[string]*types.NonceReservation),
		lastSync:     time.Now(),
	}
}

// AccountSnapshot is a point-in-time view of an account's nonce state
type AccountSnapshot struct {
	Account   string    `json:"account"`
	Current   uint64    `json:"current"`
	Pending   []uint64  `json:"pending"`
	Confirmed []uint64  `json:"confirmed"`
	Failed    []uint64  `json:"failed"`
	LastSync  time.Time `json:"lastSync"`
}

// Metrics aggregates nonce manager counters
type Metrics struct {
	Accounts      int    `json:"accounts"`
	Reservations  uint64 `json:"reservations"`
	Confirmations uint64 `json:"confirmations"`
	Failures      uint64 `json:"failures"`
	Replacements  uint64 `json:"replacements"`
	Releases      uint64 `json:"releases"`
	Expired       uint64 `json:"expired"`
	Syncs         uint64 `json:"syncs"`
	SyncErrors    uint64 `json:"syncErrors"`
	GapsDetected  uint64 `json:"gapsDetected"`
	ActivePending int    `json:"activePending"`
}

// Manager allocates nonces per account. Reservation is serialized per account;
// different accounts never contend on the same lock.
type Manager struct {
	config  *Config
	source  Source
	logger  *zap.Logger
	metrics *metrics.Collector

	mu       sync.RWMutex
	accounts map[common.Address]*AccountNonceState
	owners   map[string]common.Address // txID -> account

	statsMu sync.Mutex
	stats   Metrics

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager creates a nonce manager reading chain state from source
func NewManager(config *Config, source Source, logger *zap.Logger, collector *metrics.Collector) *Manager {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaults.ReservationTTL
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.GapWindow == 0 {
		cfg.GapWindow = defaults.GapWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		config:   &cfg,
		source:   source,
		logger:   logger.Named("nonce"),
		metrics:  collector,
		accounts: make(map[common.Address]*AccountNonceState),
		owners:   make(map[string]common.Address),
	}
}

// state returns the tracked state for account, initializing it from the chain
// on first use
func (m *Manager) state(ctx context.Context, account common.Address) (*AccountNonceState, error) {
	m.mu.RLock()
	s, ok := m.accounts[account]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	var current uint64
	if m.source != nil {
		n, err := m.source.PendingNonceAt(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("failed to read pending nonce for %s: %w", account.Hex(), err)
		}
		current = n
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.accounts[account]; ok {
		return s, nil
	}
	s = newAccountState(account, current)
	m.accounts[account] = s
	return s, nil
}

func (m *Manager) lookup(account common.Address) *AccountNonceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[account]
}

func (m *Manager) ownerOf(txID string) (*AccountNonceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.owners[txID]
	if !ok {
		return nil, false
	}
	return m.accounts[account], true
}

func (m *Manager) setOwner(txID string, account common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.owners[txID]; exists {
		return false
	}
	m.owners[txID] = account
	return true
}

func (m *Manager) clearOwner(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, txID)
}

// ReserveNonce claims the lowest nonce at or above the account's current nonce
// that is neither pending nor confirmed. ttl <= 0 uses the configured TTL.
func (m *Manager) ReserveNonce(ctx context.Context, account common.Address, txID string, gasPrice *big.Int, ttl time.Duration) (*types.NonceReservation, error) {
	s, err := m.state(ctx, account)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.config.ReservationTTL
	}
	if !m.setOwner(txID, account) {
		return nil, ErrDuplicateTxID
	}

	s.mu.Lock()
	nonce := s.current
	for {
		if _, ok := s.pending[nonce]; ok {
			nonce++
			continue
		}
		if _, ok := s.confirmed[nonce]; ok {
			nonce++
			continue
		}
		break
	}
	if _, taken := s.pending[nonce]; taken {
		s.mu.Unlock()
		m.clearOwner(txID)
		return nil, ErrNonceUnavailable
	}

	now := time.Now()
	res := &types.NonceReservation{
		Nonce:      nonce,
		Account:    account.Hex(),
		TxID:       txID,
		GasPrice:   copyBig(gasPrice),
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	delete(s.failed, nonce)
	s.pending[nonce] = txID
	s.reservations[txID] = res
	s.observe(nonce)
	pendingCount := len(s.pending)
	s.mu.Unlock()

	m.count(func(st *Metrics) { st.Reservations++ })
	m.metrics.RecordNonceEvent("reserved")
	m.metrics.SetPendingNonces(account.Hex(), pendingCount)

	m.logger.Debug("Nonce reserved",
		zap.String("account", account.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("tx_id", txID),
	)
	out := *res
	return &out, nil
}

// ConfirmNonce resolves the reservation held by txID. A successful nonce equal
// to current advances current past any contiguous run of confirmed nonces.
func (m *Manager) ConfirmNonce(txID string, success bool) error {
	s, ok := m.ownerOf(txID)
	if !ok || s == nil {
		return ErrReservationNotFound
	}

	s.mu.Lock()
	res, ok := s.reservations[txID]
	if !ok {
		s.mu.Unlock()
		return ErrReservationNotFound
	}
	delete(s.reservations, txID)
	delete(s.pending, res.Nonce)

	if success {
		s.confirmed[res.Nonce] = struct{}{}
		for {
			if _, ok := s.confirmed[s.current]; !ok {
				break
			}
			delete(s.confirmed, s.current)
			s.current++
		}
	} else {
		s.failed[res.Nonce] = struct{}{}
	}
	pendingCount := len(s.pending)
	s.mu.Unlock()

	m.clearOwner(txID)
	if success {
		m.count(func(st *Metrics) { st.Confirmations++ })
		m.metrics.RecordNonceEvent("confirmed")
	} else {
		m.count(func(st *Metrics) { st.Failures++ })
		m.metrics.RecordNonceEvent("failed")
	}
	m.metrics.SetPendingNonces(s.account.Hex(), pendingCount)
	return nil
}

// ReleaseNonce frees a reservation without recording an outcome, making the
// nonce available again
func (m *Manager) ReleaseNonce(txID string) error {
	s, ok := m.ownerOf(txID)
	if !ok || s == nil {
		return ErrReservationNotFound
	}

	s.mu.Lock()
	res, ok := s.reservations[txID]
	if !ok {
		s.mu.Unlock()
		return ErrReservationNotFound
	}
	delete(s.reservations, txID)
	delete(s.pending, res.Nonce)
	pendingCount := len(s.pending)
	s.mu.Unlock()

	m.clearOwner(txID)
	m.count(func(st *Metrics) { st.Releases++ })
	m.metrics.RecordNonceEvent("released")
	m.metrics.SetPendingNonces(s.account.Hex(), pendingCount)
	return nil
}

// GetReplacementNonce moves the nonce held by oldTxID to newTxID for a speed-up
// or cancel. newGasPrice must be strictly higher than the original price.
func (m *Manager) GetReplacementNonce(oldTxID, newTxID string, newGasPrice *big.Int) (*types.NonceReservation, error) {
	s, ok := m.ownerOf(oldTxID)
	if !ok || s == nil {
		return nil, ErrReservationNotFound
	}
	if !m.setOwner(newTxID, s.account) {
		return nil, ErrDuplicateTxID
	}

	s.mu.Lock()
	old, ok := s.reservations[oldTxID]
	if !ok {
		s.mu.Unlock()
		m.clearOwner(newTxID)
		return nil, ErrReservationNotFound
	}
	if newGasPrice == nil || (old.GasPrice != nil && newGasPrice.Cmp(old.GasPrice) <= 0) {
		s.mu.Unlock()
		m.clearOwner(newTxID)
		return nil, ErrUnderpriced
	}

	now := time.Now()
	res := &types.NonceReservation{
		Nonce:      old.Nonce,
		Account:    old.Account,
		TxID:       newTxID,
		GasPrice:   copyBig(newGasPrice),
		ReservedAt: now,
		ExpiresAt:  now.Add(m.config.ReservationTTL),
	}
	delete(s.reservations, oldTxID)
	s.reservations[newTxID] = res
	s.pending[res.Nonce] = newTxID
	s.mu.Unlock()

	m.clearOwner(oldTxID)
	m.count(func(st *Metrics) { st.Replacements++ })
	m.metrics.RecordNonceEvent("replaced")

	m.logger.Debug("Nonce replaced",
		zap.String("account", res.Account),
		zap.Uint64("nonce", res.Nonce),
		zap.String("old_tx_id", oldTxID),
		zap.String("new_tx_id", newTxID),
	)
	out := *res
	return &out, nil
}

// SyncAccountNonce re-reads the chain's pending nonce for account. Current only
// moves forward; confirmed and failed entries below it are pruned.
func (m *Manager) SyncAccountNonce(ctx context.Context, account common.Address) error {
	if m.source == nil {
		return nil
	}
	chainNonce, err := m.source.PendingNonceAt(ctx, account)
	if err != nil {
		m.count(func(st *Metrics) { st.SyncErrors++ })
		return fmt.Errorf("failed to sync nonce for %s: %w", account.Hex(), err)
	}

	s := m.lookup(account)
	if s == nil {
		m.mu.Lock()
		if s = m.accounts[account]; s == nil {
			m.accounts[account] = newAccountState(account, chainNonce)
			m.mu.Unlock()
			m.count(func(st *Metrics) { st.Syncs++ })
			return nil
		}
		m.mu.Unlock()
	}

	s.mu.Lock()
	if chainNonce > s.current {
		m.logger.Debug("Account nonce advanced by chain",
			zap.String("account", account.Hex()),
			zap.Uint64("from", s.current),
			zap.Uint64("to", chainNonce),
		)
		s.current = chainNonce
	}
	for n := range s.confirmed {
		if n < s.current {
			delete(s.confirmed, n)
		}
	}
	for n := range s.failed {
		if n < s.current {
			delete(s.failed, n)
		}
	}
	s.observe(chainNonce)
	s.lastSync = time.Now()
	s.mu.Unlock()

	m.count(func(st *Metrics) { st.Syncs++ })
	m.metrics.RecordNonceEvent("synced")
	return nil
}

// DetectNonceGaps returns nonces between current and the highest known nonce
// (bounded by the gap window) that are neither pending, confirmed nor failed
func (m *Manager) DetectNonceGaps(account common.Address) []uint64 {
	s := m.lookup(account)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seenAny {
		return nil
	}
	end := s.current + m.config.GapWindow
	if s.highestSeen < end {
		end = s.highestSeen
	}

	var gaps []uint64
	for n := s.current; n < end; n++ {
		if _, ok := s.pending[n]; ok {
			continue
		}
		if _, ok := s.confirmed[n]; ok {
			continue
		}
		if _, ok := s.failed[n]; ok {
			continue
		}
		gaps = append(gaps, n)
	}
	return gaps
}

// ReleaseExpired frees every reservation whose TTL elapsed before now and
// returns how many were released
func (m *Manager) ReleaseExpired(now time.Time) int {
	m.mu.RLock()
	states := make([]*AccountNonceState, 0, len(m.accounts))
	for _, s := range m.accounts {
		states = append(states, s)
	}
	m.mu.RUnlock()

	released := 0
	for _, s := range states {
		var expired []string
		s.mu.Lock()
		for txID, res := range s.reservations {
			if res.Expired(now) {
				delete(s.reservations, txID)
				delete(s.pending, res.Nonce)
				expired = append(expired, txID)
			}
		}
		pendingCount := len(s.pending)
		s.mu.Unlock()

		for _, txID := range expired {
			m.clearOwner(txID)
			m.logger.Debug("Nonce reservation expired",
				zap.String("account", s.account.Hex()),
				zap.String("tx_id", txID),
			)
		}
		if len(expired) > 0 {
			m.metrics.SetPendingNonces(s.account.Hex(), pendingCount)
		}
		released += len(expired)
	}

	if released > 0 {
		m.count(func(st *Metrics) { st.Expired += uint64(released) })
		for i := 0; i < released; i++ {
			m.metrics.RecordNonceEvent("expired")
		}
	}
	return released
}

// Reservation returns a copy of the reservation held by txID
func (m *Manager) Reservation(txID string) (*types.NonceReservation, bool) {
	s, ok := m.ownerOf(txID)
	if !ok || s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[txID]
	if !ok {
		return nil, false
	}
	out := *res
	return &out, true
}

// CurrentNonce returns the next unconfirmed nonce of a tracked account
func (m *Manager) CurrentNonce(account common.Address) (uint64, bool) {
	s := m.lookup(account)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, true
}

// Snapshot returns the state of a tracked account
func (m *Manager) Snapshot(account common.Address) (*AccountSnapshot, bool) {
	s := m.lookup(account)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &AccountSnapshot{
		Account:   account.Hex(),
		Current:   s.current,
		Pending:   sortedKeys(s.pending),
		Confirmed: sortedKeys(s.confirmed),
		Failed:    sortedKeys(s.failed),
		LastSync:  s.lastSync,
	}
	return snap, true
}

// Accounts returns every tracked account
func (m *Manager) Accounts() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]common.Address, 0, len(m.accounts))
	for a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Metrics returns a snapshot of manager counters
func (m *Manager) Metrics() Metrics {
	m.statsMu.Lock()
	out := m.stats
	m.statsMu.Unlock()

	m.mu.RLock()
	out.Accounts = len(m.accounts)
	out.ActivePending = len(m.owners)
	m.mu.RUnlock()
	return out
}

func (m *Manager) count(update func(*Metrics)) {
	m.statsMu.Lock()
	update(&m.stats)
	m.statsMu.Unlock()
}

// Start launches the resync and reservation cleanup loops
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return fmt.Errorf("nonce manager already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(2)
	go m.syncLoop(ctx)
	go m.cleanupLoop(ctx)

	m.logger.Info("Nonce manager started",
		zap.Duration("sync_interval", m.config.SyncInterval),
		zap.Duration("reservation_ttl", m.config.ReservationTTL),
	)
	return nil
}

// Stop cancels the background loops and waits for them to exit. Outstanding
// reservations are kept; they expire through their TTL.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Nonce manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) syncLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep resyncs every tracked account and reports nonce gaps
func (m *Manager) sweep(ctx context.Context) {
	for _, account := range m.Accounts() {
		if err := m.SyncAccountNonce(ctx, account); err != nil {
			m.logger.Warn("Nonce sync failed", zap.String("account", account.Hex()), zap.Error(err))
			continue
		}
		if gaps := m.DetectNonceGaps(account); len(gaps) > 0 {
			m.count(func(st *Metrics) { st.GapsDetected += uint64(len(gaps)) })
			m.metrics.RecordNonceEvent("gap")
			m.logger.Warn("Nonce gaps detected",
				zap.String("account", account.Hex()),
				zap.Uint64s("nonces", gaps),
			)
		}
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.ReleaseExpired(now); n > 0 {
				m.logger.Info("Released expired nonce reservations", zap.Int("count", n))
			}
		}
	}
}

// observe records the highest nonce this account is known to have used
func (s *AccountNonceState) observe(nonce uint64) {
	if !s.seenAny || nonce > s.highestSeen {
		s.highestSeen = nonce
		s.seenAny = true
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
