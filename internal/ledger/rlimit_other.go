//go:build !unix

package ledger

func fileLimit() int { return defaultFileLimit }
