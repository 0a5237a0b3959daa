package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MigrationState tracks where an entity is in its migration lifecycle.
type MigrationState string

const (
	StatePending           MigrationState = "PENDING"
	StateTransformed       MigrationState = "TRANSFORMED"
	StateCollisionChecked  MigrationState = "COLLISION_CHECKED"
	StateCollisionDetected MigrationState = "COLLISION_DETECTED"
	StateCreated           MigrationState = "CREATED"
	StateCreateFailed      MigrationState = "CREATE_FAILED"
	StateVerified          MigrationState = "VERIFIED"
	StateRemovedFromSource MigrationState = "REMOVED_FROM_SOURCE"
)

// Outcome is the reported result for one entity in a batch. Err is set for
// collisions and failures; collisions are skips, not breakage, and callers
// tell them apart with errors.As.
type Outcome struct {
	Kind        string
	DisplayName string
	Name        string
	State       MigrationState
	Err         error
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s %q: %s (%v)", o.Kind, o.Name, o.State, o.Err)
	}
	return fmt.Sprintf("%s %q: %s", o.Kind, o.Name, o.State)
}

// DestinationIndex answers existence questions against the destination
// tenant. Keeping it behind an interface lets the full-scan default be
// swapped for a server-side filtered query, or for a fixture in tests,
// without touching engine logic.
type DestinationIndex interface {
	ExistsByPrincipalName(ctx context.Context, name string) (bool, error)
	ExistsByMailNickname(ctx context.Context, nickname string) (bool, error)
}

// Migrator is an ephemeral, per-batch binding of the two tenant sessions and
// the chosen destination domain. It owns its credential handles for the
// duration of the batch and holds no other cross-call state.
type Migrator struct {
	graph  *GraphClient
	source *TenantSession
	dest   *TenantSession
	domain string
	index  DestinationIndex
	audit  *AuditLog
	log    zerolog.Logger

	batchID        string
	deleteAfter    bool
	verifyAttempts int
	verifyDelay    time.Duration
}

func NewMigrator(graph *GraphClient, source, dest *TenantSession, domain string, cfg Config, audit *AuditLog, log zerolog.Logger) *Migrator {
	m := &Migrator{
		graph:          graph,
		source:         source,
		dest:           dest,
		domain:         domain,
		audit:          audit,
		batchID:        uuid.NewString(),
		deleteAfter:    cfg.DeleteAfterMigration,
		verifyAttempts: cfg.VerifyAttempts,
		verifyDelay:    time.Duration(cfg.VerifyDelaySeconds) * time.Second,
		log:            log.With().Str("component", "migrator").Logger(),
	}
	switch cfg.CollisionCheck {
	case "filter":
		m.index = &filterIndex{graph: graph, dest: dest}
	default:
		m.index = &scanIndex{graph: graph, dest: dest}
	}
	return m
}

// BatchID identifies this migration run in the audit log.
func (m *Migrator) BatchID() string { return m.batchID }

// ListUsers fetches the source tenant's users. On a mid-pagination failure
// the users fetched so far are returned together with a *ListError, so
// partial progress is never silently discarded.
func (m *Migrator) ListUsers(ctx context.Context) ([]User, error) {
	token, err := m.source.Token(ctx, graphScope)
	if err != nil {
		return nil, &ListError{Kind: "users", Err: err}
	}
	listURL := m.graph.BaseURL + "/users?$select=id,accountEnabled,displayName,mailNickname,userPrincipalName,department,jobTitle,companyName,employeeId"
	items, err := m.graph.Paginate(ctx, listURL, token)
	users := decodeItems[User](items, m.log)
	if err != nil {
		return users, &ListError{Kind: "users", Fetched: len(users), Err: err}
	}
	return users, nil
}

// ListGroups fetches the source tenant's groups with the same partial-result
// contract as ListUsers.
func (m *Migrator) ListGroups(ctx context.Context) ([]Group, error) {
	token, err := m.source.Token(ctx, graphScope)
	if err != nil {
		return nil, &ListError{Kind: "groups", Err: err}
	}
	listURL := m.graph.BaseURL + "/groups?$select=id,displayName,mailNickname,mailEnabled,securityEnabled"
	items, err := m.graph.Paginate(ctx, listURL, token)
	groups := decodeItems[Group](items, m.log)
	if err != nil {
		return groups, &ListError{Kind: "groups", Fetched: len(groups), Err: err}
	}
	return groups, nil
}

// ListDriveItems fetches the signed-in user's drive root children for
// selection display. Content transfer is out of scope.
func (m *Migrator) ListDriveItems(ctx context.Context) ([]DriveItem, error) {
	token, err := m.source.Token(ctx, graphScope)
	if err != nil {
		return nil, &ListError{Kind: "files", Err: err}
	}
	items, err := m.graph.Paginate(ctx, m.graph.BaseURL+"/me/drive/root/children", token)
	files := decodeItems[DriveItem](items, m.log)
	if err != nil {
		return files, &ListError{Kind: "files", Fetched: len(files), Err: err}
	}
	return files, nil
}

// VerifiedDomains returns the destination tenant's verified domain names.
// The presentation layer fetches this once per destination sign-in and
// offers the result as target-domain choices.
func VerifiedDomains(ctx context.Context, graph *GraphClient, dest *TenantSession) ([]string, error) {
	token, err := dest.Token(ctx, graphScope)
	if err != nil {
		return nil, err
	}
	items, err := graph.Paginate(ctx, graph.BaseURL+"/domains", token)
	if err != nil {
		return nil, fmt.Errorf("fetch domains: %w", err)
	}
	var names []string
	for _, d := range decodeItems[Domain](items, zerolog.Nop()) {
		if d.IsVerified {
			names = append(names, d.ID)
		}
	}
	return names, nil
}

// MigrateSelection carries every selected entity through its full state
// machine, one at a time, in the order the operator presented them. Each
// item's failure is isolated; the batch always runs to the end.
func (m *Migrator) MigrateSelection(ctx context.Context, users []User, groups []Group) []Outcome {
	outcomes := make([]Outcome, 0, len(users)+len(groups))
	for _, u := range users {
		out := m.MigrateUser(ctx, u)
		m.log.Info().Str("state", string(out.State)).Str("upn", out.Name).Msg("user processed")
		outcomes = append(outcomes, out)
	}
	for _, g := range groups {
		out := m.MigrateGroup(ctx, g)
		m.log.Info().Str("state", string(out.State)).Str("group", out.Name).Msg("group processed")
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// MigrateUser runs one source user through transform, collision check,
// creation, verification and the opt-in source-side removal. Every exit path
// lands in the audit log.
func (m *Migrator) MigrateUser(ctx context.Context, src User) (out Outcome) {
	out = Outcome{Kind: "user", DisplayName: src.DisplayName, Name: src.UserPrincipalName, State: StatePending}
	defer func() { m.record(out) }()

	candidate, err := TransformUser(src, m.domain)
	if err != nil {
		out.State = StateCreateFailed
		out.Err = &CreateError{Kind: "user", Name: src.UserPrincipalName, Err: err}
		return out
	}
	out.Name = candidate.UserPrincipalName
	out.State = StateTransformed

	exists, err := m.index.ExistsByPrincipalName(ctx, candidate.UserPrincipalName)
	if err != nil {
		out.Err = fmt.Errorf("collision check: %w", err)
		return out
	}
	if exists {
		out.State = StateCollisionDetected
		out.Err = &CollisionError{Name: candidate.UserPrincipalName}
		return out
	}
	out.State = StateCollisionChecked

	if err := m.createUser(ctx, candidate); err != nil {
		out.State = StateCreateFailed
		out.Err = &CreateError{Kind: "user", Name: candidate.UserPrincipalName, Err: err}
		return out
	}
	out.State = StateCreated

	verified, err := m.verifyCreated(ctx, func(ctx context.Context) (bool, error) {
		return m.index.ExistsByPrincipalName(ctx, candidate.UserPrincipalName)
	})
	if err != nil {
		out.Err = err
		return out
	}
	if !verified {
		out.Err = fmt.Errorf("user %q not visible in destination after %d checks", candidate.UserPrincipalName, m.verifyAttempts)
		return out
	}
	out.State = StateVerified

	if m.deleteAfter && src.ID != "" {
		if err := m.removeUser(ctx, src.ID); err != nil {
			// Destination creation stands; removal failure is reported only.
			out.Err = fmt.Errorf("remove from source: %w", err)
			return out
		}
		out.State = StateRemovedFromSource
	}
	return out
}

// MigrateGroup copies a group's fields into the destination. Groups go
// through the same collision and verification pipeline as users, keyed on
// mail nickname since groups carry no principal name.
func (m *Migrator) MigrateGroup(ctx context.Context, src Group) (out Outcome) {
	out = Outcome{Kind: "group", DisplayName: src.DisplayName, Name: src.MailNickname, State: StatePending}
	defer func() { m.record(out) }()

	candidate := Group{
		DisplayName:     src.DisplayName,
		MailNickname:    src.MailNickname,
		MailEnabled:     src.MailEnabled,
		SecurityEnabled: src.SecurityEnabled,
	}
	out.State = StateTransformed

	exists, err := m.index.ExistsByMailNickname(ctx, candidate.MailNickname)
	if err != nil {
		out.Err = fmt.Errorf("collision check: %w", err)
		return out
	}
	if exists {
		out.State = StateCollisionDetected
		out.Err = &CollisionError{Name: candidate.MailNickname}
		return out
	}
	out.State = StateCollisionChecked

	token, err := m.dest.Token(ctx, graphScope)
	if err != nil {
		out.State = StateCreateFailed
		out.Err = &CreateError{Kind: "group", Name: candidate.DisplayName, Err: err}
		return out
	}
	if _, err := m.graph.Request(ctx, http.MethodPost, m.graph.BaseURL+"/groups", token, candidate); err != nil {
		out.State = StateCreateFailed
		out.Err = &CreateError{Kind: "group", Name: candidate.DisplayName, Err: err}
		return out
	}
	out.State = StateCreated

	verified, err := m.verifyCreated(ctx, func(ctx context.Context) (bool, error) {
		return m.index.ExistsByMailNickname(ctx, candidate.MailNickname)
	})
	if err != nil {
		out.Err = err
		return out
	}
	if !verified {
		out.Err = fmt.Errorf("group %q not visible in destination after %d checks", candidate.MailNickname, m.verifyAttempts)
		return out
	}
	out.State = StateVerified
	return out
}

func (m *Migrator) createUser(ctx context.Context, candidate User) error {
	token, err := m.dest.Token(ctx, graphScope)
	if err != nil {
		return err
	}
	_, err = m.graph.Request(ctx, http.MethodPost, m.graph.BaseURL+"/users", token, candidate)
	return err
}

func (m *Migrator) removeUser(ctx context.Context, id string) error {
	token, err := m.source.Token(ctx, graphScope)
	if err != nil {
		return err
	}
	_, err = m.graph.Request(ctx, http.MethodDelete, m.graph.BaseURL+"/users/"+url.PathEscape(id), token, nil)
	return err
}

// verifyCreated polls the destination until the entity appears, up to the
// configured attempt count with a delay between attempts. Directory
// propagation after creation is not immediately consistent, which is why
// this is the only retry loop in the tool. Poll errors count as a miss; the
// sleep honors cancellation so an operator can abort between polls.
func (m *Migrator) verifyCreated(ctx context.Context, check func(context.Context) (bool, error)) (bool, error) {
	for attempt := 1; attempt <= m.verifyAttempts; attempt++ {
		found, err := check(ctx)
		if err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("verification poll failed")
		} else if found {
			return true, nil
		}
		if attempt == m.verifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.verifyDelay):
		}
	}
	return false, nil
}

func (m *Migrator) record(out Outcome) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(m.batchID, out); err != nil {
		m.log.Warn().Err(err).Msg("failed to write audit record")
	}
}

// scanIndex is the original collision strategy: page through the full
// destination collection and compare exactly, case-sensitively. Cost is
// O(destination size) per probe, which is tolerable only at manual-migration
// volumes.
type scanIndex struct {
	graph *GraphClient
	dest  *TenantSession
}

func (s *scanIndex) ExistsByPrincipalName(ctx context.Context, name string) (bool, error) {
	token, err := s.dest.Token(ctx, graphScope)
	if err != nil {
		return false, err
	}
	items, err := s.graph.Paginate(ctx, s.graph.BaseURL+"/users?$select=userPrincipalName", token)
	if err != nil {
		return false, err
	}
	for _, u := range decodeItems[User](items, zerolog.Nop()) {
		if u.UserPrincipalName == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *scanIndex) ExistsByMailNickname(ctx context.Context, nickname string) (bool, error) {
	token, err := s.dest.Token(ctx, graphScope)
	if err != nil {
		return false, err
	}
	items, err := s.graph.Paginate(ctx, s.graph.BaseURL+"/groups?$select=mailNickname", token)
	if err != nil {
		return false, err
	}
	for _, g := range decodeItems[Group](items, zerolog.Nop()) {
		if g.MailNickname == nickname {
			return true, nil
		}
	}
	return false, nil
}

// filterIndex asks the server instead of enumerating, via an exact-match
// $filter query.
type filterIndex struct {
	graph *GraphClient
	dest  *TenantSession
}

func (f *filterIndex) ExistsByPrincipalName(ctx context.Context, name string) (bool, error) {
	return f.exists(ctx, "/users", "userPrincipalName", name)
}

func (f *filterIndex) ExistsByMailNickname(ctx context.Context, nickname string) (bool, error) {
	return f.exists(ctx, "/groups", "mailNickname", nickname)
}

func (f *filterIndex) exists(ctx context.Context, collection, field, value string) (bool, error) {
	token, err := f.dest.Token(ctx, graphScope)
	if err != nil {
		return false, err
	}
	// OData string literals escape single quotes by doubling them.
	literal := strings.ReplaceAll(value, "'", "''")
	query := url.Values{}
	query.Set("$filter", fmt.Sprintf("%s eq '%s'", field, literal))
	query.Set("$select", "id")
	items, err := f.graph.Paginate(ctx, f.graph.BaseURL+collection+"?"+query.Encode(), token)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}
