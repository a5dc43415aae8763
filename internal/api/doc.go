// Package api exposes the ledger, staking, fee and governance operations over
// HTTP under /api/v0. Agents authenticate with a bearer token that carries
// their agent id; founder routes additionally require the founder secret.
package api
