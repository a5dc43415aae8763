// Package mysql persists wallets, the transaction log, one-time claims,
// governance proposals and votes, and config versions in MySQL. Every ledger
// mutation runs in a single InnoDB transaction that locks the touched wallet
// rows with SELECT ... FOR UPDATE in agent order.
package mysql
