package crm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/crmsync/channel"
	"github.com/teranos/crmsync/diff"
	"github.com/teranos/crmsync/errors"
	"github.com/teranos/crmsync/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fixture is a Root wired to an in-memory authority over a hub.
type fixture struct {
	hub  *channel.Hub
	auth *channel.Authority
	root *Root
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)).Sugar()
	hub := channel.NewHub(log)
	t.Cleanup(func() { hub.Close() })

	auth := channel.NewAuthority(hub, log)
	for typ, s := range Schemas() {
		require.NoError(t, auth.Register(typ, s, nil))
	}
	t.Cleanup(auth.Close)

	require.NoError(t, auth.Seed(TypeContact,
		[]byte(`{"id":"c-1","first_name":"Ada","last_name":"Lovelace"}`),
		[]byte(`{"id":"c-2","first_name":"Grace"}`)))
	require.NoError(t, auth.Seed(TypeFlow, []byte(`{"id":"f-1","name":"Onboarding","status":"ON"}`)))
	require.NoError(t, auth.Seed(TypeOrganization, []byte(`{"id":"org-1","name":"Acme","domains":["acme.com"]}`)))

	pub := channel.NewPublisher(hub, time.Second, log)
	t.Cleanup(pub.Close)

	root, err := NewRoot(Deps{
		Backend: auth,
		Mutator: pub,
		Channel: hub,
		Logger:  log,
		Config:  Config{RefetchOnReject: true},
	})
	require.NoError(t, err)
	t.Cleanup(root.Close)
	return &fixture{hub: hub, auth: auth, root: root}
}

func (f *fixture) remote(t *testing.T, typ, id string) []byte {
	t.Helper()
	raw, err := f.auth.Fetch(context.Background(), typ, id)
	require.NoError(t, err)
	return raw
}

func TestRootBootstrap(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.root.Bootstrap(t.Context()))

	counts := f.root.Counts()
	assert.Equal(t, 2, counts[TypeContact])
	assert.Equal(t, 1, counts[TypeFlow])
	assert.Equal(t, 1, counts[TypeOrganization])
	assert.Equal(t, 0, counts[TypeContract])
	assert.Len(t, f.root.Types(), 7)

	org, ok := f.root.Organizations.Get("org-1")
	require.True(t, ok)
	assert.Equal(t, []string{"acme.com"}, org.Value().Domains)
}

func TestRootBootstrapWithoutBackend(t *testing.T) {
	root, err := NewRoot(Deps{})
	require.NoError(t, err)
	err = root.Bootstrap(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))

	err = root.Attach(t.Context())
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestLinkContactToFlow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.root.Bootstrap(t.Context()))

	require.NoError(t, f.root.LinkContactToFlow("c-1", "f-1"))
	flow, _ := f.root.Flows.Get("f-1")
	contact, _ := f.root.Contacts.Get("c-1")
	assert.Equal(t, []string{"c-1"}, flow.Value().ContactIDs)
	assert.Equal(t, []string{"f-1"}, contact.Value().FlowIDs)
	assert.EqualValues(t, 1, flow.Version())
	assert.EqualValues(t, 1, contact.Version())

	require.Eventually(t, func() bool {
		return len(flow.Pending()) == 0 && len(contact.Pending()) == 0
	}, waitFor, tick)
	assert.JSONEq(t, `{"id":"f-1","name":"Onboarding","status":"ON","contact_ids":["c-1"]}`,
		string(f.remote(t, TypeFlow, "f-1")))
	assert.Contains(t, string(f.remote(t, TypeContact, "c-1")), `"flow_ids":["f-1"]`)

	// Linking twice changes nothing.
	require.NoError(t, f.root.LinkContactToFlow("c-1", "f-1"))
	assert.Equal(t, []string{"c-1"}, flow.Value().ContactIDs)

	require.NoError(t, f.root.UnlinkContactFromFlow("c-1", "f-1"))
	assert.Empty(t, flow.Value().ContactIDs)
	assert.Empty(t, contact.Value().FlowIDs)
	require.Eventually(t, func() bool {
		return len(flow.Pending()) == 0 && len(contact.Pending()) == 0
	}, waitFor, tick)
	assert.NotContains(t, string(f.remote(t, TypeFlow, "f-1")), "c-1")
}

func TestLinkReversesFlowWhenContactUpdateFails(t *testing.T) {
	opts := store.Options{Logger: zap.NewNop().Sugar()}
	flow, err := store.NewStore(store.Config[Flow]{Codec: FlowCodec(), Options: opts}, "f-1")
	require.NoError(t, err)
	require.NoError(t, flow.Load(Flow{ID: "f-1", Name: "Onboarding", ContactIDs: []string{"c-2"}}))

	codec := ContactCodec()
	encode := codec.Encode
	codec.Encode = func(c Contact) diff.Value {
		if len(c.FlowIDs) > 0 {
			return diff.String("not an object")
		}
		return encode(c)
	}
	contact, err := store.NewStore(store.Config[Contact]{Codec: codec, Options: opts}, "c-1")
	require.NoError(t, err)
	require.NoError(t, contact.Load(Contact{ID: "c-1", FirstName: "Ada"}))

	link := func(c Contact) Contact { c.FlowIDs = addID(c.FlowIDs, "f-1"); return c }
	err = updateBoth(flow,
		func(f Flow) Flow { f.ContactIDs = addID(f.ContactIDs, "c-1"); return f },
		func(f Flow) Flow { f.ContactIDs = removeID(f.ContactIDs, "c-1"); return f },
		contact, link)
	require.Error(t, err)
	assert.True(t, errors.Is(err, diff.ErrSchema))

	assert.Equal(t, []string{"c-2"}, flow.Value().ContactIDs)
	assert.EqualValues(t, 2, flow.Version(), "edit and its reversal")
	assert.Empty(t, contact.Value().FlowIDs)
	assert.Zero(t, contact.Version())

	// A flow edit that changed nothing is not reversed.
	err = updateBoth(flow,
		func(f Flow) Flow { f.ContactIDs = addID(f.ContactIDs, "c-2"); return f },
		func(f Flow) Flow { f.ContactIDs = removeID(f.ContactIDs, "c-2"); return f },
		contact, link)
	require.Error(t, err)
	assert.Equal(t, []string{"c-2"}, flow.Value().ContactIDs)
	assert.EqualValues(t, 3, flow.Version())
}

func TestLinkUnknownIDs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.root.Bootstrap(t.Context()))

	err := f.root.LinkContactToFlow("c-9", "f-1")
	assert.True(t, errors.IsNotFound(err))
	err = f.root.UnlinkContactFromFlow("c-1", "f-9")
	assert.True(t, errors.IsNotFound(err))

	flow, _ := f.root.Flows.Get("f-1")
	assert.Zero(t, flow.Version(), "nothing committed")
}

func TestRootAttachReceivesPushes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.root.Bootstrap(t.Context()))
	require.NoError(t, f.root.Attach(t.Context()))
	require.NoError(t, f.root.Attach(t.Context()), "second attach is a no-op")

	require.NoError(t, f.auth.Put(t.Context(), TypeContract,
		[]byte(`{"id":"k-1","name":"Support","status":"LIVE","line_items":[{"id":"li-1","quantity":2,"price":"50"}]}`)))
	require.Eventually(t, func() bool {
		_, ok := f.root.Contracts.Get("k-1")
		return ok
	}, waitFor, tick)
	k, _ := f.root.Contracts.Get("k-1")
	assert.Equal(t, "100", k.Value().Total().String())

	require.NoError(t, f.auth.Delete(t.Context(), TypeOrganization, "org-1"))
	require.Eventually(t, func() bool {
		_, ok := f.root.Organizations.Get("org-1")
		return !ok
	}, waitFor, tick)
}

func TestRootCreateGetsServerID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.root.Bootstrap(t.Context()))
	require.NoError(t, f.root.Attach(t.Context()))

	st, _, err := f.root.Opportunities.Create(Opportunity{Name: "Renewal 2026"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := f.root.Opportunities.Get(st.ID())
		return !st.Created() && ok && got == st
	}, waitFor, tick)

	id := st.ID()
	assert.False(t, store.IsPlaceholder(id))
	assert.Equal(t, "Renewal 2026", st.Value().Name)
	assert.Contains(t, string(f.remote(t, TypeOpportunity, id)), "Renewal 2026")
}

func TestContractLineItems(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.root.ServiceLineItems.LoadJSON(
		[]byte(`{"id":"li-1","contract_id":"k-1","quantity":1,"price":"10"}`),
		[]byte(`{"id":"li-2","contract_id":"k-2","quantity":1,"price":"20"}`),
		[]byte(`{"id":"li-3","contract_id":"k-1","quantity":3,"price":"5"}`)))

	items := f.root.ContractLineItems("k-1")
	require.Len(t, items, 2)
	assert.Equal(t, "li-1", items[0].ID)
	assert.Equal(t, "15", items[1].Total().String())
}
