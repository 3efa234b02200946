package pairing

import (
	"encoding/json"
	"strings"
)

// NetworkCredentials 设备联网凭据
type NetworkCredentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password,omitempty"`
}

// Payload 解密后的配网载荷
type Payload struct {
	NetworkCredentials NetworkCredentials `json:"network_credentials"`
	CompanionID        string             `json:"companion_id"`
	PairingCode        string             `json:"pairing_code"`
}

func (p Payload) valid() bool {
	return strings.TrimSpace(p.NetworkCredentials.SSID) != "" &&
		strings.TrimSpace(p.CompanionID) != "" &&
		strings.TrimSpace(p.PairingCode) != ""
}

// EncodePayload 序列化并加密
func EncodePayload(key []byte, p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return Seal(key, data)
}

// DecodePayload 解密并解析；缺字段同样视为拒绝
func DecodePayload(key, packet []byte) (Payload, error) {
	plaintext, err := Open(key, packet)
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil || !p.valid() {
		return Payload{}, ErrPayloadRejected
	}
	return p, nil
}
