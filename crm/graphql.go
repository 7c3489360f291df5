package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/gql"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// Schemas returns the schema of every entity type, by type name.
func Schemas() map[string]*diff.Schema {
	return map[string]*diff.Schema{
		TypeOrganization:         organizationSchema,
		TypeContact:              contactSchema,
		TypeFlow:                 flowSchema,
		TypeContract:             contractSchema,
		TypeServiceLineItem:      serviceLineItemSchema,
		TypeOpportunity:          opportunitySchema,
		TypeTenantBillingProfile: billingProfileSchema,
	}
}

// GraphQLBackend fetches and mutates entities through a GraphQL API.
// Documents are generated from each type's schema: field names are
// requested in camelCase and aliased back to the snake_case wire form,
// so responses parse straight into the schema.
//
// For entity type contract the generated operations are
//
//	contract(id: ID!)                     fetch one
//	contract_List                         fetch all
//	contract_Create(input: ContractInput!)
//	contract_Update(input: ContractUpdateInput!)
type GraphQLBackend struct {
	client *gql.Client
	log    *zap.SugaredLogger

	mu      sync.RWMutex
	schemas map[string]*diff.Schema
	docs    map[string]documents
}

type documents struct {
	get, list, create, update string
}

var (
	_ store.Backend = (*GraphQLBackend)(nil)
	_ store.Mutator = (*GraphQLBackend)(nil)
)

// NewGraphQLBackend returns a backend serving every crm entity type.
func NewGraphQLBackend(client *gql.Client, log *zap.SugaredLogger) *GraphQLBackend {
	b := &GraphQLBackend{
		client:  client,
		log:     logger.OrNop(log).Named("graphql"),
		schemas: make(map[string]*diff.Schema),
		docs:    make(map[string]documents),
	}
	for typ, s := range Schemas() {
		b.Register(typ, s)
	}
	return b
}

// Register adds or replaces an entity type.
func (b *GraphQLBackend) Register(entityType string, s *diff.Schema) {
	field := camel(entityType)
	input := pascal(entityType)
	sel := selection(s)
	d := documents{
		get:  fmt.Sprintf("query($id: ID!) { entity: %s(id: $id) %s }", field, sel),
		list: fmt.Sprintf("query { entities: %s_List %s }", field, sel),
		create: fmt.Sprintf("mutation($input: %sInput!) { entity: %s_Create(input: $input) %s }",
			input, field, sel),
		update: fmt.Sprintf("mutation($input: %sUpdateInput!) { entity: %s_Update(input: $input) %s }",
			input, field, sel),
	}
	b.mu.Lock()
	b.schemas[entityType] = s
	b.docs[entityType] = d
	b.mu.Unlock()
}

func (b *GraphQLBackend) lookup(entityType string) (*diff.Schema, documents, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.schemas[entityType]
	if !ok {
		return nil, documents{}, errors.NewNotFoundError("entity type %s", entityType)
	}
	return s, b.docs[entityType], nil
}

type entityResult struct {
	Entity json.RawMessage `json:"entity"`
}

type entitiesResult struct {
	Entities []json.RawMessage `json:"entities"`
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Fetch implements store.Backend.
func (b *GraphQLBackend) Fetch(ctx context.Context, entityType, id string) (json.RawMessage, error) {
	_, docs, err := b.lookup(entityType)
	if err != nil {
		return nil, err
	}
	res, err := gql.Request[entityResult](ctx, b.client, docs.get, map[string]any{"id": id})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s %s", entityType, id)
	}
	if isNull(res.Entity) {
		return nil, errors.NewNotFoundError("%s %s", entityType, id)
	}
	return res.Entity, nil
}

// FetchAll implements store.Backend.
func (b *GraphQLBackend) FetchAll(ctx context.Context, entityType string) ([]json.RawMessage, error) {
	_, docs, err := b.lookup(entityType)
	if err != nil {
		return nil, err
	}
	res, err := gql.Request[entitiesResult](ctx, b.client, docs.list, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch all %s", entityType)
	}
	out := res.Entities[:0]
	for _, raw := range res.Entities {
		if !isNull(raw) {
			out = append(out, raw)
		}
	}
	b.log.Debugw("Fetched entities", logger.FieldEntityType, entityType, logger.FieldCount, len(out))
	return out, nil
}

// Mutate implements store.Mutator. The full optimistic snapshot is sent
// as the mutation input; creates omit the placeholder id.
func (b *GraphQLBackend) Mutate(ctx context.Context, m store.Mutation) (store.Ack, error) {
	s, docs, err := b.lookup(m.EntityType)
	if err != nil {
		return store.Ack{}, err
	}
	v, err := diff.Parse(s, m.Snapshot)
	if err != nil {
		return store.Ack{}, errors.Wrapf(err, "mutation input for %s %s", m.EntityType, m.EntityID)
	}

	doc := docs.update
	if m.Operation.Kind == store.OpCreate {
		doc = docs.create
		v = v.With("id", diff.Value{})
	} else {
		v = v.With("id", diff.String(m.EntityID))
	}

	res, err := gql.Request[entityResult](ctx, b.client, doc, map[string]any{"input": toInput(v)})
	if err != nil {
		return store.Ack{}, errors.Wrapf(err, "%s %s %s", m.Operation.Kind, m.EntityType, m.EntityID)
	}
	ack := store.Ack{Ref: m.Operation.Ref}
	if !isNull(res.Entity) {
		ack.Snapshot = res.Entity
	}
	return ack, nil
}

// selection renders the selection set for s, aliasing camelCase fields
// to their schema names.
func selection(s *diff.Schema) string {
	var sb strings.Builder
	sb.WriteString("{")
	for _, f := range s.Fields() {
		sb.WriteByte(' ')
		name := camel(f.Name)
		if name != f.Name {
			sb.WriteString(f.Name + ": ")
		}
		sb.WriteString(name)
		if nested := objectSchema(f); nested != nil {
			sb.WriteByte(' ')
			sb.WriteString(selection(nested))
		}
	}
	sb.WriteString(" }")
	return sb.String()
}

func objectSchema(f diff.Field) *diff.Schema {
	switch f.Kind {
	case diff.KindObject:
		return f.Schema
	case diff.KindList:
		if f.Elem != nil && f.Elem.Kind == diff.KindObject {
			return f.Elem.Schema
		}
	}
	return nil
}

// toInput converts a value to plain JSON data with camelCase keys.
func toInput(v diff.Value) any {
	switch v.Kind() {
	case diff.KindObject:
		out := make(map[string]any)
		for _, k := range v.Keys() {
			out[camel(k)] = toInput(v.Get(k))
		}
		return out
	case diff.KindList:
		items := v.Items()
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = toInput(it)
		}
		return out
	case diff.KindScalar:
		s, _ := v.Scalar()
		return s
	}
	return nil
}

func camel(snake string) string {
	parts := strings.Split(snake, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

func pascal(snake string) string {
	c := camel(snake)
	if c == "" {
		return c
	}
	return strings.ToUpper(c[:1]) + c[1:]
}
