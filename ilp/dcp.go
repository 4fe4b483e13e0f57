package ilp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/Kava-Labs/switch-api/errors"
)

// PeerConfigAddress is the well-known handshake address a connector
// answers asset-details requests on.
const PeerConfigAddress Address = "peer.config"

// handshakeTimeout bounds how long a handshake Prepare stays valid.
const handshakeTimeout = 30 * time.Second

// peerConfigCondition is the hash of the all-zero fulfillment the
// handshake uses; the exchange carries no value so the condition is public.
var peerConfigCondition = sha256.Sum256(make([]byte, ConditionLen))

// AssetDetails is the connector's answer to the handshake: the ILP
// address assigned to this client and the asset the connector accounts in.
type AssetDetails struct {
	ClientAddress Address
	AssetCode     string
	AssetScale    uint8
}

// SendDataFunc exchanges one raw ILP packet payload for its reply payload.
type SendDataFunc func(ctx context.Context, payload []byte) ([]byte, error)

// RequestAssetDetails performs the asset-details handshake: a zero-amount
// Prepare to the well-known handshake address, answered with a Fulfill
// whose data carries {clientAddress, assetScale, assetCode}.
func RequestAssetDetails(ctx context.Context, send SendDataFunc) (*AssetDetails, error) {
	request := &Prepare{
		Destination:        PeerConfigAddress,
		Amount:             0,
		ExecutionCondition: peerConfigCondition,
		ExpiresAt:          time.Now().Add(handshakeTimeout),
	}

	rawReply, err := send(ctx, request.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "ilp", "RequestAssetDetails", "handshake exchange")
	}

	reply, err := DecodeReply(rawReply)
	if err != nil {
		return nil, errors.Wrap(err, "ilp", "RequestAssetDetails", "handshake reply decoding")
	}

	switch rep := reply.(type) {
	case *Fulfill:
		details, err := decodeAssetDetails(rep.Data)
		if err != nil {
			return nil, errors.Wrap(err, "ilp", "RequestAssetDetails", "asset details decoding")
		}
		return details, nil
	case *Reject:
		return nil, errors.Wrap(
			fmt.Errorf("peer rejected handshake with %s: %s: %w", rep.Code, rep.Message, errors.ErrHandshakeFailed),
			"ilp", "RequestAssetDetails", "handshake exchange")
	default:
		return nil, errors.Wrap(errors.ErrHandshakeFailed, "ilp", "RequestAssetDetails", "handshake exchange")
	}
}

// EncodeAssetDetailsReply builds the Fulfill a connector answers the
// handshake with. Used by tests and by embedded connector implementations.
func EncodeAssetDetailsReply(details AssetDetails) *Fulfill {
	var data bytes.Buffer
	writeVarOctet(&data, []byte(details.ClientAddress))
	data.WriteByte(details.AssetScale)
	writeVarOctet(&data, []byte(details.AssetCode))

	return &Fulfill{
		// Zero-valued exchange, zero preimage.
		Fulfillment: [ConditionLen]byte{},
		Data:        data.Bytes(),
	}
}

func decodeAssetDetails(data []byte) (*AssetDetails, error) {
	r := bytes.NewReader(data)

	address, err := readVarOctet(r)
	if err != nil {
		return nil, fmt.Errorf("client address: %w", err)
	}
	scale, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("asset scale: %w", err)
	}
	code, err := readVarOctet(r)
	if err != nil {
		return nil, fmt.Errorf("asset code: %w", err)
	}

	details := &AssetDetails{
		ClientAddress: Address(address),
		AssetCode:     string(code),
		AssetScale:    scale,
	}
	if err := details.ClientAddress.Validate(); err != nil {
		return nil, err
	}
	return details, nil
}
