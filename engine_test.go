package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanIndexIsCaseSensitive(t *testing.T) {
	dir := &fakeDirectory{users: []User{
		{UserPrincipalName: "jane.doe@dst.com"},
		{UserPrincipalName: "JOHN.DOE@dst.com"},
	}}
	srv := dir.server(t)
	graph := NewGraphClient(zerolog.Nop())
	graph.BaseURL = srv.URL
	index := &scanIndex{graph: graph, dest: testSession(t, "dest")}

	exists, err := index.ExistsByPrincipalName(context.Background(), "jane.doe@dst.com")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = index.ExistsByPrincipalName(context.Background(), "Jane.Doe@dst.com")
	require.NoError(t, err)
	assert.False(t, exists, "comparison must be exact, not case-folded")

	exists, err = index.ExistsByPrincipalName(context.Background(), "john.doe@dst.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFilterIndexQueriesServerSide(t *testing.T) {
	dir := &fakeDirectory{users: []User{{UserPrincipalName: "jane.doe@dst.com"}}}
	srv := dir.server(t)
	graph := NewGraphClient(zerolog.Nop())
	graph.BaseURL = srv.URL
	index := &filterIndex{graph: graph, dest: testSession(t, "dest")}

	exists, err := index.ExistsByPrincipalName(context.Background(), "jane.doe@dst.com")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = index.ExistsByPrincipalName(context.Background(), "absent@dst.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVerifyCreatedStopsAfterMaxAttempts(t *testing.T) {
	m := &Migrator{verifyAttempts: 2, verifyDelay: 0, log: zerolog.Nop()}

	var polls int
	found, err := m.verifyCreated(context.Background(), func(context.Context) (bool, error) {
		polls++
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 2, polls, "must poll exactly max attempts when the target never appears")
}

func TestVerifyCreatedShortCircuitsOnFound(t *testing.T) {
	m := &Migrator{verifyAttempts: 5, verifyDelay: 0, log: zerolog.Nop()}

	var polls int
	found, err := m.verifyCreated(context.Background(), func(context.Context) (bool, error) {
		polls++
		return polls == 2, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, polls)
}

func TestVerifyCreatedTreatsPollErrorAsMiss(t *testing.T) {
	m := &Migrator{verifyAttempts: 3, verifyDelay: 0, log: zerolog.Nop()}

	var polls int
	found, err := m.verifyCreated(context.Background(), func(context.Context) (bool, error) {
		polls++
		if polls == 1 {
			return false, errors.New("transient")
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, polls)
}

func TestVerifyCreatedHonorsCancellation(t *testing.T) {
	m := &Migrator{verifyAttempts: 5, verifyDelay: time.Hour, log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	found, err := m.verifyCreated(ctx, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.False(t, found)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMigrateUserEndToEnd(t *testing.T) {
	dir := &fakeDirectory{}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})

	out := m.MigrateUser(context.Background(), User{
		AccountEnabled:    true,
		DisplayName:       "Jane Doe",
		UserPrincipalName: "jane.doe@src.com",
		MailNickname:      "jane.doe",
	})

	require.NoError(t, out.Err)
	assert.Equal(t, StateVerified, out.State)
	assert.Equal(t, "jane.doe@dst.com", out.Name)

	require.Len(t, dir.users, 1)
	created := dir.users[0]
	assert.Equal(t, "jane.doe@dst.com", created.UserPrincipalName)
	assert.Equal(t, "jane.doe", created.MailNickname)
	require.NotNil(t, created.PasswordProfile)
	assert.True(t, created.PasswordProfile.ForceChangePasswordNextSignIn)
	assert.NotEmpty(t, created.PasswordProfile.Password)
}

func TestMigrateUserRemovesSourceWhenRequested(t *testing.T) {
	dir := &fakeDirectory{}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{DeleteAfterMigration: true})

	out := m.MigrateUser(context.Background(), User{
		ID:                "src-object-id",
		DisplayName:       "Jane Doe",
		UserPrincipalName: "jane.doe@src.com",
		MailNickname:      "jane.doe",
	})

	require.NoError(t, out.Err)
	assert.Equal(t, StateRemovedFromSource, out.State)
	assert.Equal(t, []string{"src-object-id"}, dir.deleted)
}

func TestMigrateUserCollisionIsSkipNotFailure(t *testing.T) {
	dir := &fakeDirectory{users: []User{{UserPrincipalName: "jane.doe@dst.com"}}}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})

	out := m.MigrateUser(context.Background(), User{
		DisplayName:       "Jane Doe",
		UserPrincipalName: "jane.doe@src.com",
		MailNickname:      "jane.doe",
	})

	assert.Equal(t, StateCollisionDetected, out.State)
	var collision *CollisionError
	require.ErrorAs(t, out.Err, &collision)
	assert.Equal(t, "jane.doe@dst.com", collision.Name)
	assert.Zero(t, dir.createCalls, "a collision must never reach creation")
}

func TestMigrateUserTwiceShortCircuitsSecondRun(t *testing.T) {
	dir := &fakeDirectory{}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})

	src := User{DisplayName: "Jane Doe", UserPrincipalName: "jane.doe@src.com", MailNickname: "jane.doe"}

	first := m.MigrateUser(context.Background(), src)
	assert.Equal(t, StateVerified, first.State)

	second := m.MigrateUser(context.Background(), src)
	assert.Equal(t, StateCollisionDetected, second.State)
	var collision *CollisionError
	assert.ErrorAs(t, second.Err, &collision)
	assert.Equal(t, 1, dir.createCalls, "no duplicate may be created")
}

func TestMigrateUserCreateFailure(t *testing.T) {
	dir := &fakeDirectory{createUserStatus: http.StatusBadRequest}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})

	out := m.MigrateUser(context.Background(), User{
		DisplayName:       "Jane Doe",
		UserPrincipalName: "jane.doe@src.com",
		MailNickname:      "jane.doe",
	})

	assert.Equal(t, StateCreateFailed, out.State)
	var createErr *CreateError
	require.ErrorAs(t, out.Err, &createErr)
	var httpErr *HTTPError
	require.ErrorAs(t, out.Err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
}

func TestMigrateSelectionIsolatesFailuresAndKeepsOrder(t *testing.T) {
	dir := &fakeDirectory{users: []User{{UserPrincipalName: "taken@dst.com"}}}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})

	outcomes := m.MigrateSelection(context.Background(), []User{
		{DisplayName: "Taken", UserPrincipalName: "taken@src.com", MailNickname: "taken"},
		{DisplayName: "Free", UserPrincipalName: "free@src.com", MailNickname: "free"},
	}, nil)

	require.Len(t, outcomes, 2)
	assert.Equal(t, StateCollisionDetected, outcomes[0].State)
	assert.Equal(t, "taken@dst.com", outcomes[0].Name)
	assert.Equal(t, StateVerified, outcomes[1].State)
	assert.Equal(t, "free@dst.com", outcomes[1].Name)
}

func TestMigrateGroupPipeline(t *testing.T) {
	dir := &fakeDirectory{}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})

	out := m.MigrateGroup(context.Background(), Group{
		ID:              "src-group",
		DisplayName:     "Engineering",
		MailNickname:    "engineering",
		SecurityEnabled: true,
	})

	require.NoError(t, out.Err)
	assert.Equal(t, StateVerified, out.State)
	require.Len(t, dir.groups, 1)
	assert.Equal(t, "Engineering", dir.groups[0].DisplayName)
	assert.True(t, dir.groups[0].SecurityEnabled)
	assert.Equal(t, "engineering", dir.groups[0].MailNickname)
}

func TestMigrateGroupCollision(t *testing.T) {
	dir := &fakeDirectory{groups: []Group{{MailNickname: "engineering"}}}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})

	out := m.MigrateGroup(context.Background(), Group{DisplayName: "Engineering", MailNickname: "engineering"})

	assert.Equal(t, StateCollisionDetected, out.State)
	var collision *CollisionError
	assert.ErrorAs(t, out.Err, &collision)
}

func TestListUsersReturnsPartialResultsWithError(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			http.Error(w, `{"error":{"code":"serviceNotAvailable"}}`, http.StatusServiceUnavailable)
			return
		}
		page := collectionPage{NextLink: srvURL + "/users?page=2"}
		for _, u := range []User{
			{DisplayName: "One", UserPrincipalName: "one@src.com"},
			{DisplayName: "Two", UserPrincipalName: "two@src.com"},
		} {
			b, err := json.Marshal(u)
			require.NoError(t, err)
			page.Value = append(page.Value, b)
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	m := testMigrator(t, srv.URL, Config{})
	users, err := m.ListUsers(context.Background())

	var listErr *ListError
	require.ErrorAs(t, err, &listErr)
	assert.Equal(t, 2, listErr.Fetched)
	require.Len(t, users, 2, "pages fetched before the failure must be returned")
	assert.Equal(t, "one@src.com", users[0].UserPrincipalName)
}

func TestListUsersFailsWhenTokenUnavailable(t *testing.T) {
	dir := &fakeDirectory{}
	srv := dir.server(t)
	m := testMigrator(t, srv.URL, Config{})
	m.source = &TenantSession{TenantID: "src", cred: failingTokenSource{}}

	users, err := m.ListUsers(context.Background())

	assert.Nil(t, users)
	var listErr *ListError
	require.ErrorAs(t, err, &listErr)
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestVerifiedDomains(t *testing.T) {
	dir := &fakeDirectory{domains: []Domain{
		{ID: "dst.com", IsVerified: true, IsDefault: true},
		{ID: "pending.dst.com", IsVerified: false},
		{ID: "alias.dst.com", IsVerified: true},
	}}
	srv := dir.server(t)
	graph := NewGraphClient(zerolog.Nop())
	graph.BaseURL = srv.URL

	domains, err := VerifiedDomains(context.Background(), graph, testSession(t, "dest"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dst.com", "alias.dst.com"}, domains)
}
