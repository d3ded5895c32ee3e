package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/apperr"
	"ms-ticket-commerce/internal/domain"
	"ms-ticket-commerce/internal/models"
)

// AssetRegistry issues ledger identifiers for ticket assets. An empty id
// means registration is pending and will be confirmed later.
type AssetRegistry interface {
	Register(ctx context.Context, asset *models.Asset, quantity int64) (string, error)
	ModifyRedeemToken(ctx context.Context, blockchainAssetID string, tokenID int64, redeemKey string) error
}

// LocalRegistry assigns ids immediately. Used for development and tests.
type LocalRegistry struct{}

func (LocalRegistry) Register(_ context.Context, asset *models.Asset, _ int64) (string, error) {
	return "local-" + asset.ID.String(), nil
}

func (LocalRegistry) ModifyRedeemToken(context.Context, string, int64, string) error { return nil }

// PublishingRegistry hands registration to an external ledger service over
// the message bus. The asset stays unsellable until ConfirmAsset runs.
type PublishingRegistry struct {
	Publisher domain.Publisher
	Topic     string
}

type registryMessage struct {
	Kind              string    `json:"kind"`
	AssetID           uuid.UUID `json:"asset_id,omitempty"`
	BlockchainName    string    `json:"blockchain_name,omitempty"`
	BlockchainAssetID string    `json:"blockchain_asset_id,omitempty"`
	Quantity          int64     `json:"quantity,omitempty"`
	TokenID           int64     `json:"token_id,omitempty"`
	RedeemKey         string    `json:"redeem_key,omitempty"`
}

func (r *PublishingRegistry) publish(ctx context.Context, key string, msg registryMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.Publisher.Publish(ctx, r.Topic, key, body)
}

func (r *PublishingRegistry) Register(ctx context.Context, asset *models.Asset, quantity int64) (string, error) {
	return "", r.publish(ctx, asset.ID.String(), registryMessage{
		Kind:           "register_asset",
		AssetID:        asset.ID,
		BlockchainName: asset.BlockchainName,
		Quantity:       quantity,
	})
}

func (r *PublishingRegistry) ModifyRedeemToken(ctx context.Context, blockchainAssetID string, tokenID int64, redeemKey string) error {
	return r.publish(ctx, blockchainAssetID, registryMessage{
		Kind:              "modify_redeem_token",
		BlockchainAssetID: blockchainAssetID,
		TokenID:           tokenID,
		RedeemKey:         redeemKey,
	})
}

// ConfirmAsset records the ledger id of a registered asset, making its
// tickets sellable.
func ConfirmAsset(ctx context.Context, db bun.IDB, assetID uuid.UUID, blockchainAssetID string) error {
	if blockchainAssetID == "" {
		return apperr.ValidationError("blockchain_asset_id", "required", "Ledger id is required")
	}
	res, err := db.NewUpdate().Model((*models.Asset)(nil)).
		Set("blockchain_asset_id = ?", blockchainAssetID).
		Where("id = ?", assetID).
		Where("blockchain_asset_id IS NULL").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Business("asset_already_registered", "Asset is already registered or does not exist")
	}
	return nil
}

// AssetRegistered is the inbound confirmation published by the ledger service.
type AssetRegistered struct {
	AssetID           uuid.UUID `json:"asset_id"`
	BlockchainAssetID string    `json:"blockchain_asset_id"`
}
