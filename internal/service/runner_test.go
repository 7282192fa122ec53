package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"content_sync/internal/config"
	"content_sync/internal/domain"
	"content_sync/internal/service/mocks"
	"content_sync/internal/storage/memory"
	"content_sync/internal/testutil"
)

type RunnerTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller
	ctx  context.Context

	platform  *mocks.MockPlatform
	stores    Stores
	snapshots *SnapshotStore
	reports   *ReportStore
	runner    *Runner
	dir       string
}

func (s *RunnerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.ctx = context.Background()
	s.dir = s.T().TempDir()

	s.platform = mocks.NewMockPlatform(s.ctrl)
	s.platform.EXPECT().ID().Return("hashnode").AnyTimes()

	s.stores = memoryStores(memory.New())
	logger := testutil.DiscardLogger()
	analytics := NewAnalyticsCollector(s.stores.Articles)

	s.snapshots = NewSnapshotStore(filepath.Join(s.dir, "snapshots"), s.stores, nil, logger)
	s.reports = NewReportStore(filepath.Join(s.dir, "reports"))
	migration := NewMigrationEngine(s.platform, s.stores, analytics, nil, logger)

	s.runner = NewRunner(s.snapshots, migration, analytics, s.reports,
		config.SnapshotConfig{RetentionMaxCount: 2, RetentionMaxAgeDays: 30}, nil, logger)
}

func (s *RunnerTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}

func (s *RunnerTestSuite) TestMigrate_SnapshotsAndReports() {
	expectPaging(s.platform, samplePosts())

	report, result, err := s.runner.Migrate(s.ctx, MigrateOptions{BatchSize: 1})
	s.Require().NoError(err)
	s.Equal(2, result.Imported)
	s.Equal(domain.RunSuccess, report.Status)
	s.Equal(domain.ReportMigration, report.Kind)
	s.NotEmpty(report.SnapshotID)
	s.Equal(2, report.Stats.Articles)
	s.Equal(2, report.Metrics.Processed)
	s.Equal(100.0, report.Metrics.Progress)

	pre, err := s.snapshots.Get(s.ctx, report.SnapshotID)
	s.Require().NoError(err)
	s.Equal(domain.SnapshotPreOperation, pre.Metadata.Kind)
	s.Zero(pre.Metadata.Counts.Articles)

	saved, err := s.reports.Load(report.ID)
	s.Require().NoError(err)
	s.Equal(report.Status, saved.Status)
}

func (s *RunnerTestSuite) TestMigrate_PartialWhenSomeRecordsFail() {
	expectPaging(s.platform, append(samplePosts(), domain.ExternalPost{ID: "bad", Title: "No slug"}))

	report, result, err := s.runner.Migrate(s.ctx, MigrateOptions{BatchSize: 5})
	s.Require().NoError(err)
	s.Equal(1, result.Failed)
	s.Equal(domain.RunPartial, report.Status)
	s.Len(report.Errors, 1)
}

func (s *RunnerTestSuite) TestMigrate_FatalErrorFailsRun() {
	s.platform.EXPECT().ListPosts(gomock.Any(), "", 5).
		Return(nil, &domain.ConnectionError{Target: "platform", Err: errors.New("timeout")})

	report, _, err := s.runner.Migrate(s.ctx, MigrateOptions{BatchSize: 5})
	s.Require().Error(err)
	s.Equal(domain.RunFailed, report.Status)
	s.Require().NotEmpty(report.Errors)
	s.Contains(report.Errors[len(report.Errors)-1], "platform unreachable")
}

func (s *RunnerTestSuite) TestMigrate_DryRunTakesNoSnapshot() {
	expectPaging(s.platform, samplePosts())

	report, result, err := s.runner.Migrate(s.ctx, MigrateOptions{BatchSize: 5, DryRun: true})
	s.Require().NoError(err)
	s.Len(result.WouldImport, 2)
	s.Empty(report.SnapshotID)
	s.Equal(domain.RunSuccess, report.Status)

	list, err := s.snapshots.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *RunnerTestSuite) TestBackupAppliesRetention() {
	for i := 0; i < 3; i++ {
		report, snap, err := s.runner.Backup(s.ctx, domain.SnapshotFull, "manual")
		s.Require().NoError(err)
		s.Equal(snap.ID, report.SnapshotID)
		s.Equal(domain.RunSuccess, report.Status)
	}

	list, err := s.snapshots.List(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 2)
}

func (s *RunnerTestSuite) TestRestore_UnknownSnapshotFails() {
	report, _, err := s.runner.Restore(s.ctx, "1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	s.ErrorIs(err, domain.ErrSnapshotNotFound)
	s.Equal(domain.RunFailed, report.Status)
	s.Equal(domain.ReportRestore, report.Kind)
}

func (s *RunnerTestSuite) TestContentReportRenders() {
	_, err := s.stores.Articles.Create(s.ctx, &domain.Article{Slug: "a", Title: "A", Status: domain.StatusPublished})
	s.Require().NoError(err)

	report, err := s.runner.ContentReport(s.ctx)
	s.Require().NoError(err)

	for _, format := range []ReportFormat{FormatJSON, FormatMarkdown, FormatHTML} {
		out, err := RenderReport(report, format)
		s.Require().NoError(err, format)
		s.NotEmpty(out)
	}

	html, err := RenderReport(report, FormatHTML)
	s.Require().NoError(err)
	s.True(strings.Contains(string(html), "<table>"))

	_, err = RenderReport(report, "pdf")
	s.ErrorIs(err, domain.ErrValidation)

	entries, err := os.ReadDir(filepath.Join(s.dir, "reports"))
	s.Require().NoError(err)
	s.Len(entries, 1)
}

// scriptedDrainer replays drain outcomes in order.
type scriptedDrainer struct {
	drains []*domain.DrainStats
	err    error
	items  []domain.SyncQueueItem
}

func (d *scriptedDrainer) DrainQueue(context.Context) (*domain.DrainStats, error) {
	if len(d.drains) == 0 {
		return &domain.DrainStats{}, d.err
	}
	next := d.drains[0]
	d.drains = d.drains[1:]
	return next, nil
}

func (d *scriptedDrainer) Items() []domain.SyncQueueItem {
	return d.items
}

func (s *RunnerTestSuite) TestSync_ReportsSession() {
	drainer := &scriptedDrainer{
		drains: []*domain.DrainStats{
			{Attempted: 2, Succeeded: 2},
			{Attempted: 2, Succeeded: 1, Failed: 1},
		},
		items: []domain.SyncQueueItem{
			{ID: "a", Operation: domain.OpPush, TargetKey: "local", State: domain.QueueFailed, Attempts: 3, LastError: "503"},
			{ID: "b", Operation: domain.OpPull, TargetKey: "p2", State: domain.QueueRetryScheduled, Attempts: 1},
		},
	}

	session := s.runner.StartSync(drainer)
	for i := 0; i < 2; i++ {
		_, err := session.DrainQueue(s.ctx)
		s.Require().NoError(err)
	}

	report := session.Finish(s.ctx)
	s.Equal(domain.ReportSync, report.Kind)
	s.Equal(domain.RunPartial, report.Status)
	s.Equal(4, report.Metrics.Processed)
	s.Equal(4, report.Metrics.Total)
	s.Equal([]string{"sync items permanently failed: 1"}, report.Errors)
	s.Equal([]string{"push local failed after 3 attempts: 503"}, report.Warnings)

	totals := session.Totals()
	s.Equal(3, totals.Succeeded)
	s.Equal(1, totals.Failed)

	saved, err := s.reports.Load(report.ID)
	s.Require().NoError(err)
	s.Equal(domain.ReportSync, saved.Kind)
	s.Equal(domain.RunPartial, saved.Status)
}

func (s *RunnerTestSuite) TestSync_IdleSessionSucceeds() {
	drainer := &scriptedDrainer{err: context.Canceled}

	session := s.runner.StartSync(drainer)
	_, err := session.DrainQueue(s.ctx)
	s.ErrorIs(err, context.Canceled)

	report := session.Finish(s.ctx)
	s.Equal(domain.RunSuccess, report.Status)
	s.Empty(report.Errors)
	s.Equal([]string{"drain interrupted: context canceled"}, report.Warnings)
	s.Equal(1, report.Metrics.Warnings)
}

func TestRetentionWarnings(t *testing.T) {
	tests := []struct {
		name   string
		result *domain.RetentionResult
		err    error
		want   []string
	}{
		{
			name:   "clean sweep",
			result: &domain.RetentionResult{Deleted: []string{"a"}, Kept: 2},
			want:   []string{},
		},
		{
			name:   "undeletable snapshots",
			result: &domain.RetentionResult{Failed: []string{"a", "b"}},
			want: []string{
				"retention could not delete snapshot a",
				"retention could not delete snapshot b",
			},
		},
		{
			name: "sweep error",
			err:  errors.New("permission denied"),
			want: []string{"retention sweep failed: permission denied"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retentionWarnings(tt.result, tt.err))
		})
	}
}
