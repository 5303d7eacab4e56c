package responder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ltwatch/towerd/internal/store"
	"github.com/ltwatch/towerd/types"
)

func trackerToRecord(tracker *Tracker) (*store.TrackerRecord, error) {
	var rawTx bytes.Buffer
	if err := tracker.PenaltyTx.Serialize(&rawTx); err != nil {
		return nil, fmt.Errorf("failed to serialize penalty transaction: %w", err)
	}

	var status store.TrackerStatus
	switch tracker.Status {
	case StatusBroadcasting, StatusAwaitingConfirmation:
		status = store.TrackerStatusAwaitingConfirmation
	case StatusConfirmed:
		status = store.TrackerStatusConfirmed
	case StatusAbandoned:
		status = store.TrackerStatusAbandoned
	}

	return &store.TrackerRecord{
		Locator:         tracker.Locator.Bytes(),
		UserID:          tracker.UserID.Bytes(),
		DisputeTxid:     tracker.DisputeTxid[:],
		PenaltyRawTx:    rawTx.Bytes(),
		Status:          status,
		BroadcastHeight: tracker.BroadcastHeight,
		ConfirmedHeight: tracker.ConfirmedHeight,
		Confirmations:   tracker.Confirmations,
	}, nil
}

func trackerFromRecord(record *store.TrackerRecord) (*Tracker, error) {
	locator, err := types.LocatorFromBytes(record.Locator)
	if err != nil {
		return nil, err
	}
	user, err := types.UserIDFromBytes(record.UserID)
	if err != nil {
		return nil, err
	}
	disputeTxid, err := chainhash.NewHash(record.DisputeTxid)
	if err != nil {
		return nil, err
	}

	penaltyTx := &wire.MsgTx{}
	if err := penaltyTx.Deserialize(bytes.NewReader(record.PenaltyRawTx)); err != nil {
		return nil, fmt.Errorf("failed to deserialize penalty transaction: %w", err)
	}

	var status Status
	switch record.Status {
	case store.TrackerStatusAwaitingConfirmation:
		status = StatusAwaitingConfirmation
	case store.TrackerStatusConfirmed:
		status = StatusConfirmed
	case store.TrackerStatusAbandoned:
		status = StatusAbandoned
	default:
		return nil, fmt.Errorf("unknown tracker status %d", record.Status)
	}

	return &Tracker{
		Locator:         locator,
		UserID:          user,
		DisputeTxid:     *disputeTxid,
		PenaltyTx:       penaltyTx,
		PenaltyTxid:     penaltyTx.TxHash(),
		Status:          status,
		BroadcastHeight: record.BroadcastHeight,
		ConfirmedHeight: record.ConfirmedHeight,
		Confirmations:   record.Confirmations,
	}, nil
}
