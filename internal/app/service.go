package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tradeflow/api/internal/completion"
	"tradeflow/api/internal/config"
	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
	"tradeflow/api/internal/gitrepo"
	"tradeflow/api/internal/propagate"
	"tradeflow/api/internal/search"
	"tradeflow/api/internal/session"
	"tradeflow/api/internal/store"
	"tradeflow/api/internal/syncer"
	"tradeflow/api/internal/templates"
	"tradeflow/api/internal/util"
	"tradeflow/api/internal/workspace"
)

// Store persists trades; PostgresStore and MemoryStore both satisfy it.
type Store interface {
	CreateTrade(context.Context, store.Trade, []store.TradeDocument) error
	GetTrade(context.Context, string) (store.Trade, error)
	ListTrades(context.Context, int) ([]store.Trade, error)
	DeleteTrade(context.Context, string) error
	LoadDocuments(context.Context, string) ([]store.TradeDocument, error)
	LoadPool(context.Context, string) (map[string]string, error)
	SaveSnapshot(context.Context, store.Trade, []store.TradeDocument, map[string]string) error
	InsertTradeEvent(context.Context, store.TradeEvent) error
	ListTradeEvents(context.Context, string, int) ([]store.TradeEvent, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureTradeRepo(string, gitrepo.Snapshot, string) error
	CommitSnapshot(string, gitrepo.Snapshot, string, string) (store.CommitInfo, bool, error)
	History(string, int) ([]store.CommitInfo, error)
	GetSnapshotByHash(string, string) (gitrepo.Snapshot, error)
	CreateTag(string, string, string) error
	Tags(string) (map[string]string, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexTrade(search.TradeRecord)
	DeleteTrade(string)
}

type Service struct {
	cfg       config.Config
	store     Store
	git       gitService
	search    searchIndex
	pools     session.Provider
	templates templates.Source
	eval      *completion.Evaluator
	metrics   *Metrics
	log       *zap.Logger

	mu         sync.Mutex
	workspaces map[string]*workspace.Workspace
}

type Option func(*Service)

func WithSearch(index searchIndex) Option {
	return func(s *Service) { s.search = index }
}

// WithPools sets where shared pools live; the default keeps them in memory.
func WithPools(pools session.Provider) Option {
	return func(s *Service) {
		if pools != nil {
			s.pools = pools
		}
	}
}

func WithTemplates(src templates.Source) Option {
	return func(s *Service) {
		if src != nil {
			s.templates = src
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(cfg config.Config, dataStore Store, gitService gitService, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		store:      dataStore,
		git:        gitService,
		pools:      session.NewMemoryProvider(),
		templates:  templates.Embedded{},
		eval:       completion.NewEvaluator(fields.DefaultRules()),
		log:        zap.NewNop(),
		workspaces: make(map[string]*workspace.Workspace),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateTrade(ctx context.Context, reference, userName string) (map[string]any, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, validationError("reference is required")
	}

	docs, err := templates.Load(ctx, s.templates)
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			return nil, domainError(http.StatusUnprocessableEntity, "TEMPLATE_MISSING", err.Error(), nil)
		}
		return nil, err
	}

	trade := store.Trade{
		ID:        util.NewID("trd"),
		Reference: reference,
		Status:    store.StatusDraft,
		UpdatedBy: userName,
	}
	progress := s.eval.Gate(docs)
	records := make([]store.TradeDocument, 0, len(docs))
	initial := gitrepo.Snapshot{Markup: make(map[doctree.Kind]string, len(docs)), Pool: map[string]string{}}
	for _, doc := range docs {
		markup := doctree.Marshal(doc)
		initial.Markup[doc.Kind] = markup
		records = append(records, store.TradeDocument{
			TradeID:     trade.ID,
			Step:        int(doc.Kind),
			Markup:      markup,
			Fingerprint: doctree.Fingerprint(doc),
			Complete:    progress.Steps[doc.Kind].Complete,
		})
	}

	if err := s.store.CreateTrade(ctx, trade, records); err != nil {
		return nil, err
	}
	if err := s.git.EnsureTradeRepo(trade.ID, initial, userName); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, store.TradeEvent{TradeID: trade.ID, Kind: store.EventCreated, Actor: userName})
	if s.search != nil {
		s.search.IndexTrade(search.RecordFromPool(trade, nil))
	}

	ws, err := workspace.New(trade.ID, docs, s.pools.Pool(trade.ID), workspace.WithLogger(s.log), workspace.WithEvaluator(s.eval))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.workspaces[trade.ID] = ws
	s.mu.Unlock()

	s.log.Info("trade created", zap.String("trade_id", trade.ID), zap.String("reference", reference))
	return map[string]any{
		"trade":    tradeSummary(trade),
		"progress": progress,
	}, nil
}

func (s *Service) ListTrades(ctx context.Context, limit int) ([]map[string]any, error) {
	trades, err := s.store.ListTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(trades))
	for _, trade := range trades {
		items = append(items, tradeSummary(trade))
	}
	return items, nil
}

func (s *Service) GetTrade(ctx context.Context, tradeID string) (map[string]any, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	snap, err := ws.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	documents := make([]map[string]any, 0, len(snap.Markup))
	for _, kind := range doctree.Kinds() {
		documents = append(documents, map[string]any{
			"step":          int(kind),
			"name":          kind.String(),
			"fingerprint":   snap.Fingerprints[kind],
			"complete":      snap.Progress.Steps[kind].Complete,
			"pendingMapped": snap.Pending[kind],
		})
	}
	summary := tradeSummary(trade)
	summary["activeStep"] = int(snap.Active)
	return map[string]any{
		"trade":     summary,
		"documents": documents,
		"pool":      snap.Pool,
		"progress":  snap.Progress,
	}, nil
}

func (s *Service) DeleteTrade(ctx context.Context, tradeID string) error {
	if err := s.store.DeleteTrade(ctx, tradeID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.workspaces, tradeID)
	s.mu.Unlock()
	if err := s.pools.Pool(tradeID).Reset(ctx); err != nil {
		s.log.Warn("reset pool", zap.String("trade_id", tradeID), zap.Error(err))
	}
	if s.search != nil {
		s.search.DeleteTrade(tradeID)
	}
	return nil
}

// workspace returns the open session of a trade, loading it from the store
// on first use. A pool that expired in Redis is restored from the last save.
func (s *Service) workspace(ctx context.Context, tradeID string) (*workspace.Workspace, error) {
	s.mu.Lock()
	ws, ok := s.workspaces[tradeID]
	s.mu.Unlock()
	if ok {
		return ws, nil
	}

	loaded, err := s.loadWorkspace(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[tradeID]; ok {
		return ws, nil
	}
	s.workspaces[tradeID] = loaded
	return loaded, nil
}

// loadWorkspace rebuilds a session from the store without holding s.mu.
func (s *Service) loadWorkspace(ctx context.Context, tradeID string) (*workspace.Workspace, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.LoadDocuments(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	docs := make([]*doctree.Document, 0, len(records))
	for _, record := range records {
		kind := doctree.Kind(record.Step)
		doc, err := doctree.Unmarshal(kind, record.Markup)
		if err != nil {
			return nil, fmt.Errorf("load %s of trade %s: %w", kind, tradeID, err)
		}
		doc.PendingMapped = record.PendingMapped
		docs = append(docs, doc)
	}

	pool := s.pools.Pool(tradeID)
	current, err := pool.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		saved, err := s.store.LoadPool(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		if err := pool.Merge(ctx, saved); err != nil {
			return nil, err
		}
	}

	return workspace.New(tradeID, docs, pool,
		workspace.WithLogger(s.log),
		workspace.WithEvaluator(s.eval),
		workspace.WithActive(doctree.Kind(trade.ActiveStep)),
	)
}

// discardWorkspace drops a session whose checkpoint could not be persisted,
// so the next request reloads the last stored state.
func (s *Service) discardWorkspace(tradeID string, ws *workspace.Workspace, cause error) {
	s.mu.Lock()
	if s.workspaces[tradeID] == ws {
		delete(s.workspaces, tradeID)
	}
	s.mu.Unlock()
	s.log.Error("checkpoint not persisted, session discarded",
		zap.String("trade_id", tradeID),
		zap.Error(cause),
	)
}

func (s *Service) GetDocument(ctx context.Context, tradeID string, kind doctree.Kind) (map[string]any, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	markup, fingerprint, err := ws.Content(kind)
	if err != nil {
		return nil, err
	}
	report, err := ws.Evaluate(kind)
	if err != nil {
		return nil, err
	}
	mapped, err := ws.Review(kind)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"step":        int(kind),
		"name":        kind.String(),
		"markup":      markup,
		"fingerprint": fingerprint,
		"complete":    report.Complete(),
		"report":      report,
		"mapped":      nonNilMapped(mapped),
	}, nil
}

func (s *Service) Edit(ctx context.Context, tradeID string, kind doctree.Kind, path doctree.Path, text string) (syncer.Result, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return syncer.Result{}, err
	}
	return ws.Edit(kind, path, text)
}

func (s *Service) Select(ctx context.Context, tradeID string, kind doctree.Kind, groupID, option string) (bool, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return false, err
	}
	return ws.Select(kind, groupID, option)
}

func (s *Service) Toggle(ctx context.Context, tradeID string, kind doctree.Kind, path doctree.Path) (bool, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return false, err
	}
	return ws.Toggle(kind, path)
}

func (s *Service) ApplyAgentChanges(ctx context.Context, tradeID string, kind doctree.Kind, changes []syncer.Change, actor string) (workspace.AgentResult, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return workspace.AgentResult{}, err
	}
	result, err := ws.ApplyAgentChanges(ctx, kind, changes)
	if err != nil {
		return workspace.AgentResult{}, err
	}
	s.metrics.checkpoint("agent")
	s.recordEvent(ctx, store.TradeEvent{TradeID: tradeID, Step: int(kind), Kind: store.EventAgent, Actor: actor, FieldIDs: result.Applied})
	return result, nil
}

func (s *Service) AddRow(ctx context.Context, tradeID string, kind doctree.Kind, anchor doctree.Path, actor string) (workspace.RowChange, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return workspace.RowChange{}, err
	}
	change, err := ws.AddRow(kind, anchor)
	if err != nil {
		return workspace.RowChange{}, err
	}
	if change.Inserted {
		s.recordEvent(ctx, store.TradeEvent{TradeID: tradeID, Step: int(kind), Kind: store.EventRows, Actor: actor, FieldIDs: change.NewFieldIDs})
	}
	return change, nil
}

func (s *Service) ReplaceContent(ctx context.Context, tradeID string, kind doctree.Kind, markup, expected, actor string) (workspace.Replacement, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return workspace.Replacement{}, err
	}
	result, err := ws.ReplaceContent(kind, markup, expected)
	if err != nil {
		return workspace.Replacement{}, err
	}
	if len(result.RemovedFields) > 0 {
		s.recordEvent(ctx, store.TradeEvent{TradeID: tradeID, Step: int(kind), Kind: store.EventRows, Actor: actor, FieldIDs: result.RemovedFields, Fingerprint: result.Fingerprint})
	}
	return result, nil
}

func (s *Service) ReviewMapped(ctx context.Context, tradeID string, kind doctree.Kind) ([]propagate.MappedField, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	mapped, err := ws.Review(kind)
	return nonNilMapped(mapped), err
}

func (s *Service) ConfirmMapped(ctx context.Context, tradeID string, kind doctree.Kind, actor string) error {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return err
	}
	mapped, err := ws.Review(kind)
	if err != nil {
		return err
	}
	if err := ws.Confirm(kind); err != nil {
		return err
	}
	ids := make([]string, 0, len(mapped))
	for _, field := range mapped {
		ids = append(ids, field.FieldID)
	}
	s.recordEvent(ctx, store.TradeEvent{TradeID: tradeID, Step: int(kind), Kind: store.EventConfirm, Actor: actor, FieldIDs: ids})
	return nil
}

func (s *Service) Progress(ctx context.Context, tradeID string) (completion.Progress, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return completion.Progress{}, err
	}
	return ws.Progress(), nil
}

// Navigate moves the trade to step to and persists the checkpoint.
func (s *Service) Navigate(ctx context.Context, tradeID string, to doctree.Kind, userName string) (map[string]any, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	from := ws.Active()
	checkpoint, err := ws.Navigate(ctx, to)
	if err != nil {
		if errors.Is(err, workspace.ErrStepLocked) {
			return nil, domainError(http.StatusConflict, "STEP_LOCKED",
				fmt.Sprintf("Complete %s before moving to %s", checkpoint.Progress.Unlocked, to),
				checkpoint.Progress)
		}
		return nil, err
	}
	s.metrics.checkpoint("navigate")

	snap, err := ws.Snapshot(ctx)
	if err != nil {
		s.discardWorkspace(tradeID, ws, err)
		return nil, err
	}
	commit, err := s.persist(ctx, tradeID, snap, userName, fmt.Sprintf("Navigate %s -> %s", from, to))
	if err != nil {
		s.discardWorkspace(tradeID, ws, err)
		return nil, err
	}
	s.recordEvent(ctx, store.TradeEvent{TradeID: tradeID, Step: int(to), Kind: store.EventNavigate, Actor: userName, FieldIDs: propagatedIDs(checkpoint.Propagated)})
	return map[string]any{
		"active":     int(checkpoint.Active),
		"propagated": checkpoint.Propagated,
		"progress":   checkpoint.Progress,
		"commit":     commit,
	}, nil
}

// Save checkpoints the active document and persists every document, the
// pool and a history commit.
func (s *Service) Save(ctx context.Context, tradeID, userName string) (map[string]any, error) {
	ws, err := s.workspace(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	snap, err := ws.Save(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.checkpoint("save")

	commit, err := s.persist(ctx, tradeID, snap, userName, fmt.Sprintf("Save %s", snap.Active))
	if err != nil {
		s.discardWorkspace(tradeID, ws, err)
		return nil, err
	}
	s.recordEvent(ctx, store.TradeEvent{
		TradeID:     tradeID,
		Step:        int(snap.Active),
		Kind:        store.EventSaved,
		Actor:       userName,
		FieldIDs:    propagatedIDs(snap.Propagated),
		Fingerprint: snap.Fingerprints[snap.Active],
	})
	return map[string]any{
		"active":       int(snap.Active),
		"fingerprints": snap.Fingerprints,
		"propagated":   snap.Propagated,
		"progress":     snap.Progress,
		"commit":       commit,
	}, nil
}

func (s *Service) persist(ctx context.Context, tradeID string, snap workspace.Snapshot, userName, message string) (map[string]any, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	trade.ActiveStep = int(snap.Active)
	trade.UpdatedBy = userName
	if buyer := snap.Pool["buyer_name"]; buyer != "" {
		trade.BuyerName = buyer
	}
	trade.Status = store.StatusDraft
	if allComplete(snap.Progress) {
		trade.Status = store.StatusComplete
	}

	records := make([]store.TradeDocument, 0, len(snap.Markup))
	for _, kind := range doctree.Kinds() {
		records = append(records, store.TradeDocument{
			TradeID:       tradeID,
			Step:          int(kind),
			Markup:        snap.Markup[kind],
			Fingerprint:   snap.Fingerprints[kind],
			Complete:      snap.Progress.Steps[kind].Complete,
			PendingMapped: snap.Pending[kind],
		})
	}
	if err := s.store.SaveSnapshot(ctx, trade, records, snap.Pool); err != nil {
		return nil, err
	}

	commit, changed, err := s.git.CommitSnapshot(tradeID, gitrepo.Snapshot{Markup: snap.Markup, Pool: snap.Pool}, userName, message)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexTrade(search.RecordFromPool(trade, snap.Pool))
	}
	return map[string]any{
		"hash":    commit.Hash,
		"message": strings.TrimSpace(commit.Message),
		"changed": changed,
		"added":   commit.Added,
		"removed": commit.Removed,
	}, nil
}

func (s *Service) History(ctx context.Context, tradeID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetTrade(ctx, tradeID); err != nil {
		return nil, err
	}
	commits, err := s.git.History(tradeID, limit)
	if err != nil {
		return nil, err
	}
	tags, err := s.git.Tags(tradeID)
	if err != nil {
		return nil, err
	}
	namesByHash := make(map[string][]string)
	for name, hash := range tags {
		namesByHash[hash] = append(namesByHash[hash], name)
	}

	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		names := namesByHash[commit.Hash]
		sort.Strings(names)
		items = append(items, map[string]any{
			"hash":      commit.Hash,
			"message":   strings.TrimSpace(commit.Message),
			"author":    commit.Author,
			"createdAt": commit.CreatedAt,
			"added":     commit.Added,
			"removed":   commit.Removed,
			"tags":      names,
		})
	}
	return map[string]any{"tradeId": tradeID, "commits": items}, nil
}

func (s *Service) Version(ctx context.Context, tradeID, hash string) (map[string]any, error) {
	if _, err := s.store.GetTrade(ctx, tradeID); err != nil {
		return nil, err
	}
	snap, err := s.git.GetSnapshotByHash(tradeID, hash)
	if err != nil {
		return nil, versionNotFound(hash)
	}
	markup := make(map[string]string, len(snap.Markup))
	for kind, value := range snap.Markup {
		markup[kind.String()] = value
	}
	return map[string]any{"hash": hash, "markup": markup, "pool": snap.Pool}, nil
}

// Compare lists field values that differ between two versions.
func (s *Service) Compare(ctx context.Context, tradeID, fromHash, toHash string) (map[string]any, error) {
	if strings.TrimSpace(fromHash) == "" || strings.TrimSpace(toHash) == "" {
		return nil, validationError("from and to are required")
	}
	if _, err := s.store.GetTrade(ctx, tradeID); err != nil {
		return nil, err
	}
	from, err := s.git.GetSnapshotByHash(tradeID, fromHash)
	if err != nil {
		return nil, versionNotFound(fromHash)
	}
	to, err := s.git.GetSnapshotByHash(tradeID, toHash)
	if err != nil {
		return nil, versionNotFound(toHash)
	}
	changes := gitrepo.DiffFields(from, to)
	if changes == nil {
		changes = []gitrepo.FieldChange{}
	}
	return map[string]any{"from": fromHash, "to": toHash, "changes": changes}, nil
}

// TagVersion names a commit, e.g. the proforma sent to the buyer.
func (s *Service) TagVersion(ctx context.Context, tradeID, hash, name string) (map[string]any, error) {
	label := tagName(name)
	if label == "" || strings.TrimSpace(hash) == "" {
		return nil, validationError("hash and name are required")
	}
	if _, err := s.store.GetTrade(ctx, tradeID); err != nil {
		return nil, err
	}
	if err := s.git.CreateTag(tradeID, hash, label); err != nil {
		return nil, err
	}
	return map[string]any{"hash": hash, "name": label}, nil
}

func (s *Service) Events(ctx context.Context, tradeID string, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetTrade(ctx, tradeID); err != nil {
		return nil, err
	}
	events, err := s.store.ListTradeEvents(ctx, tradeID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		ids := event.FieldIDs
		if ids == nil {
			ids = []string{}
		}
		items = append(items, map[string]any{
			"id":          event.ID,
			"step":        event.Step,
			"kind":        event.Kind,
			"actor":       event.Actor,
			"fieldIds":    ids,
			"fingerprint": event.Fingerprint,
			"createdAt":   event.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// recordEvent appends to the audit log. Failures are logged, never
// returned: the edit they describe has already happened.
func (s *Service) recordEvent(ctx context.Context, event store.TradeEvent) {
	if err := s.store.InsertTradeEvent(ctx, event); err != nil {
		s.log.Error("insert trade event",
			zap.String("trade_id", event.TradeID),
			zap.String("kind", event.Kind),
			zap.Error(err),
		)
	}
}

func tradeSummary(trade store.Trade) map[string]any {
	return map[string]any{
		"id":         trade.ID,
		"reference":  trade.Reference,
		"buyerName":  trade.BuyerName,
		"status":     trade.Status,
		"activeStep": trade.ActiveStep,
		"updatedBy":  trade.UpdatedBy,
		"updatedAt":  trade.UpdatedAt,
	}
}

func allComplete(progress completion.Progress) bool {
	for _, step := range progress.Steps {
		if !step.Complete {
			return false
		}
	}
	return len(progress.Steps) > 0
}

func propagatedIDs(outcome propagate.Outcome) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, kind := range outcome.Kinds() {
		for _, id := range outcome[kind] {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func nonNilMapped(fields []propagate.MappedField) []propagate.MappedField {
	if fields == nil {
		return []propagate.MappedField{}
	}
	return fields
}

func tagName(label string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
