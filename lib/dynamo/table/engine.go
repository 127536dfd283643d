// Localcloud
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package table implements the DynamoDB table engine: the table registry
// and a sorted item index per table, with the expression language applied
// on top.
package table

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/localcloud/lib/defaults"
	"github.com/gravitational/localcloud/lib/dynamo/api"
	"github.com/gravitational/localcloud/lib/dynamo/attr"
)

// Config holds Engine parameters.
type Config struct {
	// Clock stamps table creation times.
	Clock clockwork.Clock
	// Region is used in table ARNs.
	Region string
	// AccountID is used in table ARNs.
	AccountID string
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Region == "" {
		c.Region = defaults.Region
	}
	if c.AccountID == "" {
		c.AccountID = defaults.AccountID
	}
	return nil
}

// Engine is the DynamoDB table engine. Tables are isolation units: each
// holds its own lock and item index.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	tables map[string]*Table
}

// Table is one DynamoDB table.
type Table struct {
	mu sync.RWMutex

	desc   Description
	schema Schema
	items  *btree.BTreeG[*entry]
}

// entry is one stored item keyed by its partition and sort key values.
type entry struct {
	pk   attr.Value
	sk   attr.Value
	item attr.Item
}

// NewEngine creates an empty Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:    cfg,
		tables: make(map[string]*Table),
	}, nil
}

// Clock exposes the engine clock, primarily for tests.
func (e *Engine) Clock() clockwork.Clock { return e.cfg.Clock }

func validateTableName(name string) error {
	if len(name) < defaults.DynamoMinTableNameLength || len(name) > defaults.DynamoMaxTableNameLength {
		return api.Validation("table name must be between %d and %d characters",
			defaults.DynamoMinTableNameLength, defaults.DynamoMaxTableNameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		valid := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.'
		if !valid {
			return api.Validation("table name contains invalid character %q", string(c))
		}
	}
	return nil
}

// buildSchema validates a key schema against the attribute definitions.
func buildSchema(keys []KeyElement, attrs []AttributeDefinition) (*Schema, error) {
	if len(keys) == 0 {
		return nil, api.Validation("key schema must not be empty")
	}
	if len(keys) > 2 {
		return nil, api.Validation("key schema has too many elements")
	}

	types := make(map[string]string, len(attrs))
	for _, def := range attrs {
		switch def.Type {
		case "S", "N", "B":
		default:
			return nil, api.Validation("attribute %s has invalid type %q", def.Name, def.Type)
		}
		if _, dup := types[def.Name]; dup {
			return nil, api.Validation("duplicate attribute definition for %s", def.Name)
		}
		types[def.Name] = def.Type
	}

	schema := &Schema{types: types}
	for _, key := range keys {
		if _, declared := types[key.Name]; !declared {
			return nil, api.Validation("key attribute %s is not declared in attribute definitions", key.Name)
		}
		switch key.KeyType {
		case "HASH":
			if schema.Hash.Name != "" {
				return nil, api.Validation("key schema declares more than one HASH key")
			}
			schema.Hash = key
		case "RANGE":
			if schema.Range != nil {
				return nil, api.Validation("key schema declares more than one RANGE key")
			}
			k := key
			schema.Range = &k
		default:
			return nil, api.Validation("invalid key type %q", key.KeyType)
		}
	}
	if schema.Hash.Name == "" {
		return nil, api.Validation("key schema must declare a HASH key")
	}
	if len(types) != len(schema.KeyAttributes()) {
		return nil, api.Validation("some attribute definitions are not used in the key schema")
	}
	return schema, nil
}

// CreateTable registers a new table, validating the key schema.
func (e *Engine) CreateTable(name string, keys []KeyElement, attrs []AttributeDefinition, billingMode string) (*Description, error) {
	if err := validateTableName(name); err != nil {
		return nil, trace.Wrap(err)
	}
	schema, err := buildSchema(keys, attrs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch billingMode {
	case "", "PROVISIONED", "PAY_PER_REQUEST":
	default:
		return nil, api.Validation("invalid billing mode %q", billingMode)
	}
	if billingMode == "" {
		billingMode = "PROVISIONED"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tables[name]; exists {
		return nil, api.ResourceInUse(name)
	}

	t := &Table{
		desc: Description{
			Name:        name,
			ID:          uuid.NewString(),
			ARN:         fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", e.cfg.Region, e.cfg.AccountID, name),
			Status:      "ACTIVE",
			Created:     e.cfg.Clock.Now().UTC(),
			Attributes:  attrs,
			KeySchema:   keys,
			BillingMode: billingMode,
		},
		schema: *schema,
		items:  btree.NewG(8, entryLess),
	}
	e.tables[name] = t
	return t.describe(), nil
}

// DeleteTable removes a table and returns its final description.
func (e *Engine) DeleteTable(name string) (*Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tables[name]
	if !ok {
		return nil, api.ResourceNotFound(name)
	}
	delete(e.tables, name)
	desc := t.describe()
	desc.Status = "DELETING"
	return desc, nil
}

// DescribeTable returns the current table description.
func (e *Engine) DescribeTable(name string) (*Description, error) {
	t, err := e.table(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.describe(), nil
}

// ListTables returns table names in lexicographic order with
// exclusive-start pagination.
func (e *Engine) ListTables(exclusiveStart string, limit int) (names []string, lastEvaluated string, err error) {
	if limit < 0 || limit > defaults.DynamoMaxListTablesLimit {
		return nil, "", api.Validation("limit must be between 1 and %d", defaults.DynamoMaxListTablesLimit)
	}
	if limit == 0 {
		limit = defaults.DynamoMaxListTablesLimit
	}

	e.mu.RLock()
	all := make([]string, 0, len(e.tables))
	for name := range e.tables {
		all = append(all, name)
	}
	e.mu.RUnlock()
	sort.Strings(all)

	for _, name := range all {
		if name <= exclusiveStart {
			continue
		}
		if len(names) == limit {
			lastEvaluated = names[len(names)-1]
			break
		}
		names = append(names, name)
	}
	return names, lastEvaluated, nil
}

func (e *Engine) table(name string) (*Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return nil, api.ResourceNotFound(name)
	}
	return t, nil
}

func (t *Table) describe() *Description {
	desc := t.desc
	desc.ItemCount = int64(t.items.Len())
	var size int64
	t.items.Ascend(func(en *entry) bool {
		size += int64(en.item.Size())
		return true
	})
	desc.SizeBytes = size
	return &desc
}

// entryLess orders items by partition key, then sort key, each with the
// type-specific ordering of compareKeys.
func entryLess(a, b *entry) bool {
	if c := compareKeys(a.pk, b.pk); c != 0 {
		return c < 0
	}
	return compareKeys(a.sk, b.sk) < 0
}

// compareKeys totally orders key values: strings and binary by raw bytes,
// numbers numerically. Key schemas guarantee matching kinds.
func compareKeys(a, b attr.Value) int {
	if c, err := a.Compare(b); err == nil {
		return c
	}
	// Mismatched kinds cannot occur under a validated key schema; order
	// by kind to stay total anyway.
	return int(a.Kind) - int(b.Kind)
}
