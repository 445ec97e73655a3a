// Package background is the always-available coordination context. It owns
// the local store and the backend sync, and answers saves from every other
// context over the runtime bus.
package background

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"smartrack/internal/backend"
	"smartrack/internal/bridge"
	"smartrack/internal/domain"
	"smartrack/internal/notify"
	"smartrack/internal/storage"
)

// LinkSyncer pushes links to the backend.
type LinkSyncer interface {
	Configured() bool
	SaveLink(ctx context.Context, link domain.SavedLink, confirm bool) (backend.SaveResult, error)
}

// LabelSyncer pushes the label list to the backend. A LinkSyncer that also
// implements it gets labels synced after saves.
type LabelSyncer interface {
	SyncLabels(ctx context.Context, labels []string) error
}

// Service answers runtime requests addressed to the background.
type Service struct {
	bridge.Unsupported

	store     storage.LinkStore
	settings  *storage.Settings
	syncer    LinkSyncer
	publisher notify.Publisher
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewService wires the background's collaborators. syncer may be unconfigured,
// in which case links are stored locally only.
func NewService(store storage.LinkStore, settings *storage.Settings, syncer LinkSyncer, publisher notify.Publisher, logger logrus.FieldLogger) *Service {
	return &Service{
		store:     store,
		settings:  settings,
		syncer:    syncer,
		publisher: publisher,
		now:       time.Now,
		log:       logger.WithField("component", "background"),
	}
}

// Register makes the service the background endpoint's listener.
func (s *Service) Register(bus *bridge.RuntimeBus) (remove func()) {
	return bus.AddListener(bridge.EndpointBackground, bridge.NewRouter(s, s.log).Listener())
}

func (s *Service) Ping(context.Context, bridge.PingRequest) (bridge.PingResult, error) {
	return bridge.PingResult{OK: true}, nil
}

// SaveLink stores a link. Unless req.Confirm is set, links already saved
// under the same URL are returned as duplicates and nothing is written. The
// backend decides what counts as a duplicate when it is reachable; otherwise
// the local store does.
func (s *Service) SaveLink(ctx context.Context, req bridge.SaveLinkRequest) (bridge.SaveLinkResult, error) {
	link := req.Link
	if link.ID == "" {
		link.ID = domain.NewLinkID(s.now())
	}
	log := s.log.WithFields(logrus.Fields{"id": link.ID, "url": link.URL, "confirm": req.Confirm})

	synced := false
	if s.syncer != nil && s.syncer.Configured() {
		res, err := s.syncer.SaveLink(ctx, link, req.Confirm)
		switch {
		case err != nil:
			log.WithError(err).Warn("Backend sync failed, saving locally only")
		case len(res.Duplicates) > 0:
			log.WithField("duplicates", len(res.Duplicates)).Info("Backend reported duplicates")
			return bridge.SaveLinkResult{Duplicates: res.Duplicates}, nil
		default:
			synced = true
			if res.Link != nil && res.Link.ID != "" {
				link.ID = res.Link.ID
			}
		}
	}

	if !synced && !req.Confirm {
		dups, err := s.localDuplicates(ctx, link)
		if err != nil {
			return bridge.SaveLinkResult{}, err
		}
		if len(dups) > 0 {
			log.WithField("duplicates", len(dups)).Info("Link already saved locally")
			return bridge.SaveLinkResult{Duplicates: dups}, nil
		}
	}

	link.Touch(s.now().UTC())
	stored, err := s.store.Put(ctx, link)
	if err != nil {
		log.WithError(err).Error("Failed to store link")
		return bridge.SaveLinkResult{}, err
	}
	s.afterSave(ctx, stored, notify.SourceExtension)

	log.WithField("synced", synced).Info("Link saved")
	return bridge.SaveLinkResult{Link: &stored, Synced: synced}, nil
}

func (s *Service) localDuplicates(ctx context.Context, link domain.SavedLink) ([]domain.SavedLink, error) {
	found, err := s.store.FindByURL(ctx, link.URL)
	if err != nil {
		return nil, err
	}
	dups := found[:0]
	for _, l := range found {
		if l.ID != link.ID {
			dups = append(dups, l)
		}
	}
	return dups, nil
}

// LinkSaved mirrors a link saved elsewhere into the local store.
func (s *Service) LinkSaved(ctx context.Context, n bridge.LinkSavedNotice) error {
	source := n.Source
	if source == "" {
		source = notify.SourceDashboard
	}
	stored, err := s.store.Put(ctx, n.Link)
	if err != nil {
		s.log.WithError(err).WithField("id", n.Link.ID).Error("Failed to mirror saved link")
		return err
	}
	s.afterSave(ctx, stored, source)
	return nil
}

func (s *Service) afterSave(ctx context.Context, link domain.SavedLink, source string) {
	if s.publisher != nil {
		if err := s.publisher.PublishLinkSaved(ctx, link, source); err != nil {
			s.log.WithError(err).WithField("id", link.ID).Warn("Failed to publish link saved event")
		}
	}
	if s.settings == nil {
		return
	}
	if _, err := s.settings.AddLabel(ctx, link.Label); err != nil {
		s.log.WithError(err).WithField("label", link.Label).Warn("Failed to record label")
	}
	s.syncLabels(ctx)
}

// syncLabels pushes the labels when a new one was added since the last sync.
// The flag stays set on failure so the next save retries.
func (s *Service) syncLabels(ctx context.Context) {
	ls, ok := s.syncer.(LabelSyncer)
	if !ok || !s.syncer.Configured() {
		return
	}
	log := s.log.WithField("op", "sync_labels")

	needed, err := s.settings.Bool(ctx, storage.KeyCategoriesSyncNeeded, false)
	if err != nil || !needed {
		return
	}
	labels, err := s.settings.Labels(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read labels")
		return
	}
	if err := ls.SyncLabels(ctx, labels); err != nil {
		log.WithError(err).Warn("Label sync failed, will retry after the next save")
		return
	}
	if err := s.settings.SetBool(ctx, storage.KeyCategoriesSyncNeeded, false); err != nil {
		log.WithError(err).Warn("Failed to clear label sync flag")
	}
	if err := s.settings.SetTime(ctx, storage.KeyCategoriesLastSync, s.now().UTC()); err != nil {
		log.WithError(err).Warn("Failed to record label sync time")
	}
	log.WithField("labels", len(labels)).Info("Labels synced")
}

func (s *Service) GetLabels(ctx context.Context, _ bridge.GetLabelsRequest) (bridge.LabelsResult, error) {
	labels, err := s.settings.Labels(ctx)
	if err != nil {
		return bridge.LabelsResult{}, err
	}
	if labels == nil {
		labels = []string{}
	}
	return bridge.LabelsResult{Labels: labels}, nil
}
