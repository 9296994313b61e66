package schemagen

import "errors"

var (
	ErrPortInUse            = errors.New("port in use")
	ErrProvisionTimeout     = errors.New("provision timeout")
	ErrConnection           = errors.New("connection error")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrOutOfOrder           = errors.New("migration out of order")
	ErrMissingMigration     = errors.New("applied migration missing locally")
	ErrInvalidMigration     = errors.New("invalid migration")
	ErrMigrationTimeout     = errors.New("migration timeout")
	ErrIntrospection        = errors.New("introspection error")
	ErrNamingCollision      = errors.New("naming collision")
	ErrInvalidIdentifier    = errors.New("invalid identifier")
	ErrMissingConfiguration = errors.New("missing configuration")
	ErrHookFailed           = errors.New("hook failed")
	ErrAlreadyRunning       = errors.New("pipeline is already running")
)

// Timeouts come first: a deadline hit while connecting wraps ErrConnection too
var errorKinds = []struct {
	err  error
	name string
	code int
}{
	{ErrProvisionTimeout, "ProvisionTimeout", 11},
	{ErrMigrationTimeout, "MigrationTimeout", 17},
	{ErrPortInUse, "PortInUse", 10},
	{ErrConnection, "ConnectionError", 12},
	{ErrChecksumMismatch, "ChecksumMismatch", 13},
	{ErrOutOfOrder, "OutOfOrder", 14},
	{ErrMissingMigration, "MissingMigration", 15},
	{ErrInvalidMigration, "InvalidMigration", 16},
	{ErrIntrospection, "IntrospectionError", 18},
	{ErrNamingCollision, "NamingCollision", 19},
	{ErrInvalidIdentifier, "InvalidIdentifier", 22},
	{ErrMissingConfiguration, "MissingConfiguration", 20},
	{ErrHookFailed, "HookFailed", 21},
	{ErrAlreadyRunning, "AlreadyRunning", 23},
}

// KindOf returns the taxonomy name of the first sentinel err wraps, or "Unknown"
func KindOf(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}

// ExitCode maps err to a process exit code, distinct per error kind
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return 1
}
