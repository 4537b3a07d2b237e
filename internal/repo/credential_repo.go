// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for CRM
// credentials, including the single-use OAuth pending state and the
// optimistic-concurrency token rotation used by the refresh path.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
)

// GetCredential fetches the CRM credential for a property, or ErrNotFound.
func GetCredential(ctx context.Context, db *gorm.DB, propertyID string) (*domain.CRMCredential, error) {
	var c domain.CRMCredential
	if err := db.WithContext(ctx).Where("property_id = ?", propertyID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// SetPendingOAuthState upserts the property's credential row with a fresh
// handshake record (CSRF nonce + PKCE verifier + expiry). Any previous
// pending state is overwritten: only the newest authorization attempt can
// ever be redeemed.
func SetPendingOAuthState(ctx context.Context, db *gorm.DB, propertyID, nonce, verifier string, expiresAt time.Time) error {
	cred, err := GetCredential(ctx, db, propertyID)
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return err
		}
		cred = &domain.CRMCredential{
			ID:         uuid.NewString(),
			PropertyID: propertyID,
			CreatedAt:  time.Now().UTC(),
		}
		if err := db.WithContext(ctx).Create(cred).Error; err != nil {
			return err
		}
	}
	return db.WithContext(ctx).
		Model(&domain.CRMCredential{}).
		Where("property_id = ?", propertyID).
		Updates(map[string]any{
			"pending_nonce":      nonce,
			"pending_verifier":   verifier,
			"pending_expires_at": expiresAt,
			"updated_at":         time.Now().UTC(),
		}).Error
}

// ConsumePendingOAuthState reads and clears the handshake record in one
// transaction. The clear happens before the caller does anything with the
// returned values, so a second redemption of the same state finds nothing and
// replay fails regardless of how the first attempt ended.
func ConsumePendingOAuthState(ctx context.Context, db *gorm.DB, propertyID string) (nonce, verifier string, expiresAt time.Time, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c domain.CRMCredential
		if err := tx.Where("property_id = ?", propertyID).First(&c).Error; err != nil {
			return err
		}
		if c.PendingNonce == nil || c.PendingVerifier == nil || c.PendingExpiresAt == nil {
			return gorm.ErrRecordNotFound
		}
		nonce, verifier, expiresAt = *c.PendingNonce, *c.PendingVerifier, *c.PendingExpiresAt
		return tx.Model(&domain.CRMCredential{}).
			Where("property_id = ?", propertyID).
			Updates(map[string]any{
				"pending_nonce":      nil,
				"pending_verifier":   nil,
				"pending_expires_at": nil,
				"updated_at":         time.Now().UTC(),
			}).Error
	})
	return
}

// RotateCredentialTokens persists a new (already encrypted) token set, but
// only if the row's version still matches the one the caller read. A zero
// RowsAffected result means another writer rotated the tokens first; the
// caller should reload and use the now-current token instead of retrying
// the rotation.
func RotateCredentialTokens(ctx context.Context, db *gorm.DB, propertyID string, fromVersion int64, encAccess, encRefresh, instanceURL string, expiresAt *time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.CRMCredential{}).
		Where("property_id = ? AND version = ?", propertyID, fromVersion).
		Updates(map[string]any{
			"access_token":  encAccess,
			"refresh_token": encRefresh,
			"instance_url":  instanceURL,
			"expires_at":    expiresAt,
			"version":       fromVersion + 1,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteCredential disconnects a property from the CRM entirely.
func DeleteCredential(ctx context.Context, db *gorm.DB, propertyID string) error {
	return db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Delete(&domain.CRMCredential{}).Error
}
