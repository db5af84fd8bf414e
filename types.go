package plbridge

import (
	"github.com/plbridge/plbridge/internal/api"
	"github.com/plbridge/plbridge/internal/catalog"
	"github.com/plbridge/plbridge/internal/deploy"
	"github.com/plbridge/plbridge/internal/heap"
	"github.com/plbridge/plbridge/internal/txn"
	"github.com/plbridge/plbridge/types"
)

// Oid names a catalog object.
type Oid = types.Oid

// Datum is a backend value, NullableDatum the shape it crosses calls in.
type (
	Datum         = types.Datum
	NullableDatum = types.NullableDatum
)

// Tuple and TupleDesc describe rows.
type (
	Tuple     = types.Tuple
	TupleDesc = types.TupleDesc
	Attribute = types.Attribute
)

// Config is the backend configuration, usually read with LoadConfig.
type Config = types.Config

// Checksum identifies the code of an installed bundle.
type Checksum = types.Checksum

// SQLError is the error returned from failed calls.
type SQLError = types.SQLError

// CallInfo describes one function call.
type CallInfo = api.CallInfo

// FunctionInfo, RelationInfo and TriggerInfo are catalog rows.
type (
	FunctionInfo = catalog.FunctionInfo
	RelationInfo = catalog.RelationInfo
	TriggerInfo  = catalog.TriggerInfo
)

// Tid addresses a stored row.
type Tid = heap.Tid

// LoadConfig reads a TOML configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	return types.LoadConfig(path)
}

// DefaultConfig returns the configuration used without a file.
func DefaultConfig() Config {
	return types.DefaultConfig()
}

// Bundle is an installed code bundle and TypeInfo a catalog type.
type (
	Bundle   = deploy.Bundle
	TypeInfo = catalog.TypeInfo
)

var (
	ErrBundleExists   = deploy.ErrBundleExists
	ErrBundleNotFound = deploy.ErrBundleNotFound
	ErrNoTransaction  = txn.ErrNoTransaction
)
