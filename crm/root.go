// Package crm holds the CRM entity types, their business rules and the
// Root that wires one store group per type.
package crm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/crmsync/channel"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/logger"
	"github.com/teranos/crmsync/store"
)

// Config holds the Root's tunables.
type Config struct {
	RefetchOnReject bool
	// Now is the clock used for commit times and contract status.
	Now func() time.Time
}

// Deps are the collaborators of a Root. Only Logger falls back to a
// default; a nil Backend or Mutator leaves the groups local-only.
type Deps struct {
	Backend    store.Backend
	Mutator    store.Mutator
	Dispatcher store.Dispatcher
	Channel    channel.Channel
	Journal    store.Journal
	Recorder   store.Recorder
	Logger     *zap.SugaredLogger
	Config     Config
}

// group is the type-erased view of a *store.Group[T] the Root needs.
type group interface {
	channel.Target
	Bootstrap(ctx context.Context) error
	Len() int
}

// Root composes every entity group.
type Root struct {
	Organizations    *store.Group[Organization]
	Contacts         *store.Group[Contact]
	Flows            *store.Group[Flow]
	Contracts        *store.Group[Contract]
	ServiceLineItems *store.Group[ServiceLineItem]
	Opportunities    *store.Group[Opportunity]
	BillingProfiles  *store.Group[TenantBillingProfile]

	deps   Deps
	log    *zap.SugaredLogger
	groups []group

	mu   sync.Mutex
	subs []channel.Subscription
}

// NewRoot builds one group per entity type from deps.
func NewRoot(deps Deps) (*Root, error) {
	log := logger.OrNop(deps.Logger).Named("crm")
	opts := store.Options{
		Backend:         deps.Backend,
		Mutator:         deps.Mutator,
		Dispatcher:      deps.Dispatcher,
		Journal:         deps.Journal,
		Recorder:        deps.Recorder,
		Logger:          log,
		RefetchOnReject: deps.Config.RefetchOnReject,
		Now:             deps.Config.Now,
	}
	r := &Root{deps: deps, log: log}

	var err error
	if r.Organizations, err = newGroup(r, OrganizationCodec(), nil, opts); err != nil {
		return nil, err
	}
	if r.Contacts, err = newGroup(r, ContactCodec(), nil, opts); err != nil {
		return nil, err
	}
	if r.Flows, err = newGroup(r, FlowCodec(), nil, opts); err != nil {
		return nil, err
	}
	if r.Contracts, err = newGroup(r, ContractCodec(), ContractRules(deps.Config.Now), opts); err != nil {
		return nil, err
	}
	if r.ServiceLineItems, err = newGroup(r, ServiceLineItemCodec(), nil, opts); err != nil {
		return nil, err
	}
	if r.Opportunities, err = newGroup(r, OpportunityCodec(), OpportunityRules(), opts); err != nil {
		return nil, err
	}
	if r.BillingProfiles, err = newGroup(r, TenantBillingProfileCodec(), nil, opts); err != nil {
		return nil, err
	}
	return r, nil
}

func newGroup[T any](r *Root, codec store.Codec[T], rules []store.Rule[T], opts store.Options) (*store.Group[T], error) {
	g, err := store.NewGroup(store.Config[T]{Codec: codec, Rules: rules, Options: opts})
	if err != nil {
		return nil, errors.Wrapf(err, "new %s group", codec.Type)
	}
	r.groups = append(r.groups, g)
	return g, nil
}

// Types returns the entity types in registration order.
func (r *Root) Types() []string {
	out := make([]string, len(r.groups))
	for i, g := range r.groups {
		out[i] = g.Type()
	}
	return out
}

// Counts returns the number of stores per entity type.
func (r *Root) Counts() map[string]int {
	out := make(map[string]int, len(r.groups))
	for _, g := range r.groups {
		out[g.Type()] = g.Len()
	}
	return out
}

// Bootstrap bootstraps every group concurrently. Groups that succeed stay
// bootstrapped when another fails.
func (r *Root) Bootstrap(ctx context.Context) error {
	log := logger.FromContext(ctx, r.log)
	started := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	var (
		mu   sync.Mutex
		errs error
	)
	for _, g := range r.groups {
		eg.Go(func() error {
			if err := g.Bootstrap(ctx); err != nil {
				mu.Lock()
				errs = errors.CombineErrors(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	if errs != nil {
		log.Warnw("Bootstrap incomplete", logger.FieldError, errs)
		return errs
	}
	log.Infow("All groups bootstrapped",
		logger.FieldCount, len(r.groups),
		logger.FieldDurationMS, time.Since(started).Milliseconds())
	return nil
}

// Attach subscribes every group to its channel on deps.Channel. Calling
// it twice is a no-op.
func (r *Root) Attach(ctx context.Context) error {
	if r.deps.Channel == nil {
		return errors.Wrap(errors.ErrServiceUnavailable, "attach: no channel")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return nil
	}
	for _, g := range r.groups {
		sub, err := channel.Attach(ctx, r.deps.Channel, g, logger.FromContext(ctx, r.log))
		if err != nil {
			for _, s := range r.subs {
				s.Unsubscribe()
			}
			r.subs = nil
			return errors.Wrapf(err, "attach %s", g.Type())
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// LinkContactToFlow enrolls a contact in a flow. The flow and the contact
// each commit their own operation. When the contact update fails the flow
// edit is reversed with a compensating update, so no half link remains.
func (r *Root) LinkContactToFlow(contactID, flowID string) error {
	contact, flow, err := r.contactAndFlow(contactID, flowID)
	if err != nil {
		return err
	}
	err = updateBoth(flow,
		func(f Flow) Flow { f.ContactIDs = addID(f.ContactIDs, contactID); return f },
		func(f Flow) Flow { f.ContactIDs = removeID(f.ContactIDs, contactID); return f },
		contact,
		func(c Contact) Contact { c.FlowIDs = addID(c.FlowIDs, flowID); return c })
	return errors.Wrapf(err, "link contact %s to flow %s", contactID, flowID)
}

// UnlinkContactFromFlow removes a contact from a flow. Like
// LinkContactToFlow it reverses the flow edit if the contact update fails.
func (r *Root) UnlinkContactFromFlow(contactID, flowID string) error {
	contact, flow, err := r.contactAndFlow(contactID, flowID)
	if err != nil {
		return err
	}
	err = updateBoth(flow,
		func(f Flow) Flow { f.ContactIDs = removeID(f.ContactIDs, contactID); return f },
		func(f Flow) Flow { f.ContactIDs = addID(f.ContactIDs, contactID); return f },
		contact,
		func(c Contact) Contact { c.FlowIDs = removeID(c.FlowIDs, flowID); return c })
	return errors.Wrapf(err, "unlink contact %s from flow %s", contactID, flowID)
}

// updateBoth commits fa on a and then fb on b. If fb fails, undo is
// committed on a, but only when fa changed anything.
func updateBoth[A, B any](a *store.Store[A], fa, undo func(A) A, b *store.Store[B], fb func(B) B) error {
	op, err := a.Update(fa)
	if err != nil {
		return err
	}
	if _, err := b.Update(fb); err != nil {
		if len(op.Diff) == 0 {
			return err
		}
		if _, uerr := a.Update(undo); uerr != nil {
			return errors.CombineErrors(err, errors.Wrap(uerr, "undo"))
		}
		return err
	}
	return nil
}

func (r *Root) contactAndFlow(contactID, flowID string) (*store.Store[Contact], *store.Store[Flow], error) {
	contact, ok := r.Contacts.Get(contactID)
	if !ok || !contact.Loaded() {
		return nil, nil, errors.NewNotFoundError("contact %s", contactID)
	}
	flow, ok := r.Flows.Get(flowID)
	if !ok || !flow.Loaded() {
		return nil, nil, errors.NewNotFoundError("flow %s", flowID)
	}
	return contact, flow, nil
}

// ContractLineItems returns the standalone line items of a contract.
func (r *Root) ContractLineItems(contractID string) []ServiceLineItem {
	return r.ServiceLineItems.Filter(func(li ServiceLineItem) bool {
		return li.ContractID == contractID
	})
}

// Close detaches from the channel.
func (r *Root) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}
