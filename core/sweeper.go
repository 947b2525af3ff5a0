package core

import (
	"context"
	"fmt"
	"time"
)

// ExpiringCredentialLister is implemented by credential stores that can
// enumerate credentials close to expiry for the background sweep.
type ExpiringCredentialLister interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]Credential, error)
}

const defaultSweepBatchSize = 100

type SweepResult struct {
	Scanned  int
	Enqueued int
}

// EnqueueRefreshSweep finds refreshable credentials expiring within the
// vault lead window and hands them to the refresh job queue. Hosts run
// it on a schedule; workers drain the queue via RunRefreshWithRetry.
func (s *Service) EnqueueRefreshSweep(ctx context.Context) (result SweepResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["scanned"] = result.Scanned
		fields["enqueued"] = result.Enqueued
		s.observeOperation(ctx, startedAt, "refresh_sweep", err, fields)
	}()

	if s == nil || s.refreshEnqueuer == nil {
		err = fmt.Errorf("core: refresh job enqueuer is not configured")
		return SweepResult{}, err
	}
	lister, ok := s.credentialStore.(ExpiringCredentialLister)
	if !ok {
		err = fmt.Errorf("core: credential store does not support expiry listing")
		return SweepResult{}, err
	}

	leadWindow := s.config.Vault.RefreshLeadWindow
	if leadWindow <= 0 {
		leadWindow = DefaultRefreshLeadWindow
	}
	cutoff := s.clock().Add(leadWindow)

	credentials, err := lister.ListExpiring(ctx, cutoff, defaultSweepBatchSize)
	if err != nil {
		err = s.mapError(err)
		return SweepResult{}, err
	}

	for _, credential := range credentials {
		result.Scanned++
		if !credential.Refreshable || credential.Status != CredentialStatusActive {
			continue
		}
		broker := BrokerTypeUnknown
		if s.connectionStore != nil {
			if connection, loadErr := s.connectionStore.GetByID(ctx, credential.ConnectionID); loadErr == nil {
				if connection.Status != ConnectionStatusActive {
					continue
				}
				broker = connection.Broker
			}
		}
		enqueueErr := s.refreshEnqueuer.EnqueueRefresh(ctx, RefreshJob{
			ConnectionID: credential.ConnectionID,
			Broker:       broker,
			ExpiresAt:    credential.ExpiresAt,
		})
		if enqueueErr != nil {
			s.logError(ctx, "refresh sweep enqueue failed", map[string]any{
				"connection_id": credential.ConnectionID,
				"error":         enqueueErr.Error(),
			})
			continue
		}
		result.Enqueued++
	}

	return result, nil
}
