package message

import (
	"encoding/binary"
	"encoding/json"

	coreerrors "companion-gateway/internal/core/errors"
)

// SeqHeaderSize 下行二进制帧前缀：大端序号
const SeqHeaderSize = 8

// Frame 传输层帧
type Frame struct {
	Binary bool
	Data   []byte
}

// Envelope 文本帧信封
type Envelope struct {
	Type Type            `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func malformed(format string, args ...interface{}) error {
	return coreerrors.Newf(coreerrors.CodeMalformedFrame, format, args...)
}

// Body 将服务端消息拆为 (类型, 载荷)，供重放缓冲保存
// 音频载荷为原始字节，其余为 data 部分的 JSON
func Body(msg ServerMessage) (Type, []byte, error) {
	if a, ok := msg.(Audio); ok {
		return TypeAudio, append([]byte(nil), a.Payload...), nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", nil, coreerrors.Wrapf(err, coreerrors.CodeInternal, "encode %s failed", msg.Type())
	}
	return msg.Type(), data, nil
}

// EncodeBody 由缓冲条目生成线上帧；seq 为 0 表示不编号
func EncodeBody(typ Type, seq uint64, body []byte) (Frame, error) {
	if typ == TypeAudio {
		if seq == 0 {
			return Frame{}, coreerrors.New(coreerrors.CodeInternal, "audio frames must be sequenced")
		}
		data := make([]byte, SeqHeaderSize+len(body))
		binary.BigEndian.PutUint64(data, seq)
		copy(data[SeqHeaderSize:], body)
		return Frame{Binary: true, Data: data}, nil
	}
	data, err := json.Marshal(Envelope{Type: typ, Seq: seq, Data: body})
	if err != nil {
		return Frame{}, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode envelope failed")
	}
	return Frame{Data: data}, nil
}

// Encode 编码服务端消息
func Encode(msg ServerMessage, seq uint64) (Frame, error) {
	typ, body, err := Body(msg)
	if err != nil {
		return Frame{}, err
	}
	return EncodeBody(typ, seq, body)
}

// DecodeDevice 解析设备上行帧，任何不符合约定的输入都返回 MALFORMED_FRAME
func DecodeDevice(f Frame, maxBinary int) (DeviceMessage, error) {
	if maxBinary <= 0 {
		maxBinary = DefaultMaxBinaryFrame
	}
	if f.Binary {
		if len(f.Data) == 0 || len(f.Data) > maxBinary {
			return nil, malformed("audio frame size %d outside [1, %d]", len(f.Data), maxBinary)
		}
		return InboundAudio{Payload: f.Data}, nil
	}

	var env Envelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return nil, malformed("invalid envelope: %v", err)
	}
	switch env.Type {
	case TypeAck:
		var ack Ack
		if err := decodeData(env, &ack); err != nil {
			return nil, err
		}
		if ack.Seq == 0 {
			ack.Seq = env.Seq
		}
		if ack.Seq == 0 {
			return nil, malformed("ack without seq")
		}
		return ack, nil
	case TypeRefreshRequest:
		var req RefreshRequest
		if err := decodeData(env, &req); err != nil {
			return nil, err
		}
		if req.RefreshToken == "" || req.Nonce == "" {
			return nil, malformed("refresh_request requires refresh_token and nonce")
		}
		return req, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, malformed("unknown message type %q", env.Type)
	}
}

func decodeData(env Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return malformed("invalid %s data: %v", env.Type, err)
	}
	return nil
}

// EncodeDevice 编码设备上行消息
func EncodeDevice(msg DeviceMessage) (Frame, error) {
	switch m := msg.(type) {
	case InboundAudio:
		return Frame{Binary: true, Data: m.Payload}, nil
	case Ping:
		data, err := json.Marshal(Envelope{Type: TypePing})
		return Frame{Data: data}, err
	default:
		body, err := json.Marshal(m)
		if err != nil {
			return Frame{}, err
		}
		data, err := json.Marshal(Envelope{Type: m.Type(), Data: body})
		return Frame{Data: data}, err
	}
}

// DecodeServer 设备侧解析下行帧，返回消息及其序号（未编号为 0）
func DecodeServer(f Frame) (ServerMessage, uint64, error) {
	if f.Binary {
		if len(f.Data) <= SeqHeaderSize {
			return nil, 0, malformed("audio frame too short")
		}
		seq := binary.BigEndian.Uint64(f.Data[:SeqHeaderSize])
		return Audio{Payload: append([]byte(nil), f.Data[SeqHeaderSize:]...)}, seq, nil
	}

	var env Envelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return nil, 0, malformed("invalid envelope: %v", err)
	}
	var (
		msg ServerMessage
		err error
	)
	switch env.Type {
	case TypeWelcome:
		var m Welcome
		err = decodeData(env, &m)
		msg = m
	case TypePolicyUpdate:
		var m PolicyUpdate
		err = decodeData(env, &m)
		msg = m
	case TypeRefreshResponse:
		var m RefreshResponse
		err = decodeData(env, &m)
		msg = m
	case TypeAlert:
		var m Alert
		err = decodeData(env, &m)
		msg = m
	case TypeRateLimit:
		var m RateLimit
		err = decodeData(env, &m)
		msg = m
	case TypeMalformedFrame:
		var m MalformedFrame
		err = decodeData(env, &m)
		msg = m
	case TypePolicyViolation:
		var m PolicyViolation
		err = decodeData(env, &m)
		msg = m
	case TypeDrain:
		var m Drain
		err = decodeData(env, &m)
		msg = m
	default:
		return nil, 0, malformed("unknown message type %q", env.Type)
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, env.Seq, nil
}
