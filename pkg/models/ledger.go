package models

import "github.com/rawblock/attestia/pkg/money"

// AccountType determines an account's normal balance side.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountIncome    AccountType = "income"
	AccountExpense   AccountType = "expense"
	AccountEquity    AccountType = "equity"
)

// DebitNormal reports whether the account type carries a debit-normal balance.
func (t AccountType) DebitNormal() bool {
	return t == AccountAsset || t == AccountExpense
}

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountIncome, AccountExpense, AccountEquity:
		return true
	}
	return false
}

// EntryType is the side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Account is a registered ledger account.
type Account struct {
	ID        string      `json:"id"`
	Type      AccountType `json:"type"`
	Name      string      `json:"name"`
	CreatedAt string      `json:"createdAt"`
}

// LedgerEntry is one immutable posting. Corrections are reversing entries
// with fresh ids, never edits.
type LedgerEntry struct {
	ID            string      `json:"id"`
	AccountID     string      `json:"accountId"`
	Type          EntryType   `json:"type"`
	Money         money.Money `json:"money"`
	Timestamp     string      `json:"timestamp"`
	CorrelationID string      `json:"correlationId"`
	IntentID      string      `json:"intentId,omitempty"`
	TxHash        string      `json:"txHash,omitempty"`
}

// LedgerTransaction records one balanced batch of entries.
type LedgerTransaction struct {
	CorrelationID string        `json:"correlationId"`
	Entries       []LedgerEntry `json:"entries"`
	Timestamp     string        `json:"timestamp"`
	Description   string        `json:"description,omitempty"`
	EntryCount    int           `json:"entryCount"`
}

// CurrencyBalance is a per-currency view of one account.
type CurrencyBalance struct {
	Currency     string `json:"currency"`
	Decimals     int    `json:"decimals"`
	TotalDebits  string `json:"totalDebits"`
	TotalCredits string `json:"totalCredits"`
	Balance      string `json:"balance"` // signed, relative to the normal side
}

// TrialBalanceLine is one (account, currency) row; the signed balance sits in
// the column matching the account's normal side.
type TrialBalanceLine struct {
	AccountID   string      `json:"accountId"`
	AccountType AccountType `json:"accountType"`
	Currency    string      `json:"currency"`
	Decimals    int         `json:"decimals"`
	Debit       string      `json:"debit"`
	Credit      string      `json:"credit"`
}

// TrialBalance is the full statement.
type TrialBalance struct {
	Lines    []TrialBalanceLine `json:"lines"`
	Balanced bool               `json:"balanced"`
	AsOf     string             `json:"asOf,omitempty"`
}

// LedgerSnapshot is the exportable value form of a ledger; restoring it
// reproduces all uniqueness constraints for future appends.
type LedgerSnapshot struct {
	Accounts         []Account           `json:"accounts"`
	Entries          []LedgerEntry       `json:"entries"`
	Transactions     []LedgerTransaction `json:"transactions"`
	TransactionCount int                 `json:"transactionCount"`
}
