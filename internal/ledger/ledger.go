// Package ledger is the double-entry bookkeeping core. Entries are immutable
// once committed; corrections are reversing entries with fresh ids. Every
// batch must balance per currency before anything is stored.
package ledger

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

// Ledger holds registered accounts plus the append-only entry log. All
// mutations serialise on one write lock; a failed append commits nothing.
type Ledger struct {
	mu           sync.RWMutex
	accounts     map[string]models.Account
	accountOrder []string
	entries      []models.LedgerEntry
	entryIDs     map[string]struct{}
	transactions []models.LedgerTransaction
	now          func() time.Time
}

// New builds an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]models.Account),
		entryIDs: make(map[string]struct{}),
		now:      time.Now,
	}
}

// RegisterAccount adds an account; duplicate ids are rejected.
func (l *Ledger) RegisterAccount(acc models.Account) error {
	if acc.ID == "" {
		return errs.E(errs.InvalidInput, "account id must not be empty")
	}
	if !acc.Type.Valid() {
		return errs.E(errs.InvalidInput, "unknown account type %q", acc.Type)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[acc.ID]; ok {
		return errs.E(errs.Conflict, "account %s already registered", acc.ID)
	}
	if acc.CreatedAt == "" {
		acc.CreatedAt = l.now().UTC().Format(time.RFC3339Nano)
	}
	l.accounts[acc.ID] = acc
	l.accountOrder = append(l.accountOrder, acc.ID)
	return nil
}

// AppendOptions qualify one entry batch.
type AppendOptions struct {
	Description string
}

// Append validates and commits a balanced batch atomically. Validation order:
// non-empty, single correlation id, unique entry ids, registered accounts,
// well-formed strictly-positive money, per-currency debit/credit balance.
// Failure at any step leaves the ledger untouched.
func (l *Ledger) Append(entries []models.LedgerEntry, opts AppendOptions) (models.LedgerTransaction, error) {
	if len(entries) == 0 {
		return models.LedgerTransaction{}, errs.E(errs.InvalidInput, "append requires at least one entry")
	}

	correlationID := entries[0].CorrelationID
	if correlationID == "" {
		return models.LedgerTransaction{}, errs.E(errs.InvalidInput, "entries must carry a correlation id")
	}
	for _, e := range entries {
		if e.CorrelationID != correlationID {
			return models.LedgerTransaction{}, errs.E(errs.InvalidInput,
				"all entries must share one correlation id: %s vs %s", correlationID, e.CorrelationID)
		}
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return models.LedgerTransaction{}, errs.E(errs.InvalidInput, "entry id must not be empty")
		}
		if _, dup := seen[e.ID]; dup {
			return models.LedgerTransaction{}, errs.E(errs.InvalidInput, "duplicate entry id %s in batch", e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range entries {
		if _, dup := l.entryIDs[e.ID]; dup {
			return models.LedgerTransaction{}, errs.E(errs.Conflict, "entry id %s already recorded", e.ID)
		}
		if _, ok := l.accounts[e.AccountID]; !ok {
			return models.LedgerTransaction{}, errs.E(errs.InvalidInput, "account %s is not registered", e.AccountID)
		}
		if e.Type != models.EntryDebit && e.Type != models.EntryCredit {
			return models.LedgerTransaction{}, errs.E(errs.InvalidInput, "entry %s has unknown type %q", e.ID, e.Type)
		}
		if err := validateMoney(e.Money); err != nil {
			return models.LedgerTransaction{}, errs.Wrap(errs.InvalidInput, err, "entry %s", e.ID)
		}
	}

	if err := checkBalanced(entries); err != nil {
		return models.LedgerTransaction{}, err
	}

	ts := l.now().UTC().Format(time.RFC3339Nano)
	committed := make([]models.LedgerEntry, len(entries))
	copy(committed, entries)
	for i := range committed {
		if committed[i].Timestamp == "" {
			committed[i].Timestamp = ts
		}
	}

	tx := models.LedgerTransaction{
		CorrelationID: correlationID,
		Entries:       committed,
		Timestamp:     ts,
		Description:   opts.Description,
		EntryCount:    len(committed),
	}
	l.entries = append(l.entries, committed...)
	for _, e := range committed {
		l.entryIDs[e.ID] = struct{}{}
	}
	l.transactions = append(l.transactions, tx)
	return tx, nil
}

// validateMoney enforces the posting rules: well-formed amount, non-empty
// currency, decimals >= 0, and strictly positive value. Zero and negative
// amounts are rejected; direction is expressed by the entry type.
func validateMoney(m money.Money) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if !m.IsPositive() {
		return fmt.Errorf("amount must be strictly positive, got %s", m.Amount)
	}
	return nil
}

// checkBalanced requires per-currency Σdebits == Σcredits in scaled integers.
func checkBalanced(entries []models.LedgerEntry) error {
	type unit struct {
		currency string
		decimals int
	}
	sums := make(map[unit]*big.Int)
	order := make([]unit, 0, 2)
	for _, e := range entries {
		scaled, err := e.Money.Scaled()
		if err != nil {
			return errs.Wrap(errs.InvalidInput, err, "entry %s", e.ID)
		}
		u := unit{e.Money.Currency, e.Money.Decimals}
		sum, ok := sums[u]
		if !ok {
			sum = new(big.Int)
			sums[u] = sum
			order = append(order, u)
		}
		if e.Type == models.EntryDebit {
			sum.Add(sum, scaled)
		} else {
			sum.Sub(sum, scaled)
		}
	}
	for _, u := range order {
		if sums[u].Sign() != 0 {
			return errs.E(errs.InvalidInput,
				"unbalanced batch for %s: debits minus credits = %s", u.currency,
				money.FormatAmount(sums[u], u.decimals))
		}
	}
	return nil
}

// GetBalance returns the per-currency balances of one account. Balance is
// signed relative to the account's normal side; contra (negative) balances
// are permitted.
func (l *Ledger) GetBalance(accountID string) ([]models.CurrencyBalance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return nil, errs.E(errs.NotFound, "account %s is not registered", accountID)
	}
	return l.balancesLocked(acc, ""), nil
}

type currencyTotals struct {
	currency string
	decimals int
	debits   *big.Int
	credits  *big.Int
}

// totalsLocked folds an account's entries per currency, optionally bounded by
// an inclusive asOf timestamp.
func (l *Ledger) totalsLocked(accountID, asOf string) []*currencyTotals {
	byUnit := make(map[string]*currencyTotals)
	var order []string
	for _, e := range l.entries {
		if e.AccountID != accountID {
			continue
		}
		if asOf != "" && e.Timestamp > asOf {
			continue
		}
		key := e.Money.Currency
		t, ok := byUnit[key]
		if !ok {
			t = &currencyTotals{
				currency: e.Money.Currency,
				decimals: e.Money.Decimals,
				debits:   new(big.Int),
				credits:  new(big.Int),
			}
			byUnit[key] = t
			order = append(order, key)
		}
		scaled, err := e.Money.Scaled()
		if err != nil {
			continue // committed entries are always well-formed
		}
		if e.Type == models.EntryDebit {
			t.debits.Add(t.debits, scaled)
		} else {
			t.credits.Add(t.credits, scaled)
		}
	}
	out := make([]*currencyTotals, 0, len(order))
	for _, k := range order {
		out = append(out, byUnit[k])
	}
	return out
}

func (l *Ledger) balancesLocked(acc models.Account, asOf string) []models.CurrencyBalance {
	totals := l.totalsLocked(acc.ID, asOf)
	out := make([]models.CurrencyBalance, 0, len(totals))
	for _, t := range totals {
		bal := new(big.Int)
		if acc.Type.DebitNormal() {
			bal.Sub(t.debits, t.credits)
		} else {
			bal.Sub(t.credits, t.debits)
		}
		out = append(out, models.CurrencyBalance{
			Currency:     t.currency,
			Decimals:     t.decimals,
			TotalDebits:  money.FormatAmount(t.debits, t.decimals),
			TotalCredits: money.FormatAmount(t.credits, t.decimals),
			Balance:      money.FormatAmount(bal, t.decimals),
		})
	}
	return out
}

// GetTrialBalance emits one line per (account, currency). A positive balance
// sits in the account's normal column; a contra balance flips to the opposite
// column as a positive figure. Balanced iff both columns agree per currency.
func (l *Ledger) GetTrialBalance(asOf string) models.TrialBalance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var lines []models.TrialBalanceLine
	debitCol := make(map[string]*big.Int)
	creditCol := make(map[string]*big.Int)
	decimalsByCurrency := make(map[string]int)
	var currencyOrder []string

	for _, accID := range l.accountOrder {
		acc := l.accounts[accID]
		for _, t := range l.totalsLocked(accID, asOf) {
			bal := new(big.Int)
			if acc.Type.DebitNormal() {
				bal.Sub(t.debits, t.credits)
			} else {
				bal.Sub(t.credits, t.debits)
			}

			line := models.TrialBalanceLine{
				AccountID:   accID,
				AccountType: acc.Type,
				Currency:    t.currency,
				Decimals:    t.decimals,
				Debit:       money.FormatAmount(new(big.Int), t.decimals),
				Credit:      money.FormatAmount(new(big.Int), t.decimals),
			}

			abs := new(big.Int).Abs(bal)
			debitSide := acc.Type.DebitNormal()
			if bal.Sign() < 0 {
				debitSide = !debitSide
			}
			if debitSide {
				line.Debit = money.FormatAmount(abs, t.decimals)
			} else {
				line.Credit = money.FormatAmount(abs, t.decimals)
			}
			lines = append(lines, line)

			if _, ok := decimalsByCurrency[t.currency]; !ok {
				decimalsByCurrency[t.currency] = t.decimals
				debitCol[t.currency] = new(big.Int)
				creditCol[t.currency] = new(big.Int)
				currencyOrder = append(currencyOrder, t.currency)
			}
			if debitSide {
				debitCol[t.currency].Add(debitCol[t.currency], abs)
			} else {
				creditCol[t.currency].Add(creditCol[t.currency], abs)
			}
		}
	}

	balanced := true
	for _, cur := range currencyOrder {
		if debitCol[cur].Cmp(creditCol[cur]) != 0 {
			balanced = false
			break
		}
	}
	return models.TrialBalance{Lines: lines, Balanced: balanced, AsOf: asOf}
}

// EntryFilter selects entries; every set field must match.
type EntryFilter struct {
	AccountID     string
	CorrelationID string
	Currency      string
	FromTimestamp string
	ToTimestamp   string
	IntentID      string
	TxHash        string
}

// GetEntries returns entries matching the filter, in commit order.
func (l *Ledger) GetEntries(f EntryFilter) []models.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.LedgerEntry, 0)
	for _, e := range l.entries {
		if f.AccountID != "" && e.AccountID != f.AccountID {
			continue
		}
		if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
			continue
		}
		if f.Currency != "" && e.Money.Currency != f.Currency {
			continue
		}
		if f.FromTimestamp != "" && e.Timestamp < f.FromTimestamp {
			continue
		}
		if f.ToTimestamp != "" && e.Timestamp > f.ToTimestamp {
			continue
		}
		if f.IntentID != "" && e.IntentID != f.IntentID {
			continue
		}
		if f.TxHash != "" && e.TxHash != f.TxHash {
			continue
		}
		out = append(out, e)
	}
	return out
}

// GetEntriesByCorrelation returns entries of one correlation id.
func (l *Ledger) GetEntriesByCorrelation(correlationID string) []models.LedgerEntry {
	return l.GetEntries(EntryFilter{CorrelationID: correlationID})
}

// GetTransactions returns all committed transactions in order.
func (l *Ledger) GetTransactions() []models.LedgerTransaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.LedgerTransaction, len(l.transactions))
	copy(out, l.transactions)
	return out
}

// Accounts returns registered accounts in registration order.
func (l *Ledger) Accounts() []models.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Account, 0, len(l.accountOrder))
	for _, id := range l.accountOrder {
		out = append(out, l.accounts[id])
	}
	return out
}

// Snapshot exports the full ledger state as an immutable value.
func (l *Ledger) Snapshot() models.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := models.LedgerSnapshot{
		Accounts:         make([]models.Account, 0, len(l.accountOrder)),
		Entries:          make([]models.LedgerEntry, len(l.entries)),
		Transactions:     make([]models.LedgerTransaction, len(l.transactions)),
		TransactionCount: len(l.transactions),
	}
	for _, id := range l.accountOrder {
		snap.Accounts = append(snap.Accounts, l.accounts[id])
	}
	copy(snap.Entries, l.entries)
	copy(snap.Transactions, l.transactions)
	return snap
}

// FromSnapshot rebuilds a ledger from an exported snapshot, restoring all
// uniqueness constraints for future appends.
func FromSnapshot(snap models.LedgerSnapshot) (*Ledger, error) {
	l := New()
	for _, acc := range snap.Accounts {
		if err := l.RegisterAccount(acc); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range snap.Entries {
		if _, dup := l.entryIDs[e.ID]; dup {
			return nil, errs.E(errs.InvalidInput, "snapshot contains duplicate entry id %s", e.ID)
		}
		l.entryIDs[e.ID] = struct{}{}
	}
	l.entries = append(l.entries, snap.Entries...)
	l.transactions = append(l.transactions, snap.Transactions...)
	return l, nil
}
