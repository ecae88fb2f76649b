package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/meigma/depproxy"
)

// Wire constants for the transfer-helper protocol.
const (
	// sendDataHeader carries an offload instruction to the helper as
	// "<type>:<base64url JSON>".
	sendDataHeader = "Depproxy-Send-Data"

	// internalAPIHeader authenticates helper callbacks to the authorize
	// and upload endpoints.
	internalAPIHeader = "Depproxy-Internal-Api-Request"

	internalAPIIssuer = "depproxy-helper"

	// internalAPIContentType marks responses meant for the helper, not
	// the end client.
	internalAPIContentType = "application/vnd.depproxy.internal+json"
)

// writeSendData encodes an offload instruction into the response header.
func writeSendData(w http.ResponseWriter, inst depproxy.Instruction) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	w.Header().Set(sendDataHeader, inst.Type+":"+base64.URLEncoding.EncodeToString(payload))
	return nil
}
