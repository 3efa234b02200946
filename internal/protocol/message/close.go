package message

import (
	coreerrors "companion-gateway/internal/core/errors"
)

// CloseCode WebSocket 关闭码，每个码对应设备必须采取的动作
type CloseCode int

const (
	CloseIdentityMismatch  CloseCode = 4001
	CloseCredentialMissing CloseCode = 4002
	CloseCredentialExpired CloseCode = 4003
	CloseCredentialInvalid CloseCode = 4004
	CloseRateLimited       CloseCode = 4008
	CloseResumeExpired     CloseCode = 4010
	CloseSuperseded        CloseCode = 4011
	CloseDraining          CloseCode = 4012
	CloseInternal          CloseCode = 1011
	CloseNormal            CloseCode = 1000
	CloseAbnormal          CloseCode = 1006
)

// Action 设备收到关闭码后的动作
type Action string

const (
	ActionReclaim Action = "reclaim" // 重新认领
	ActionRefresh Action = "refresh" // 刷新令牌后重连
	ActionBackoff Action = "backoff" // 退避后重连
	ActionResume  Action = "resume"  // 退避后带原令牌重连并恢复
	ActionStop    Action = "stop"    // 不再重连
)

func (c CloseCode) String() string {
	switch c {
	case CloseIdentityMismatch:
		return "identity_mismatch"
	case CloseCredentialMissing:
		return "credential_missing"
	case CloseCredentialExpired:
		return "credential_expired"
	case CloseCredentialInvalid:
		return "credential_invalid"
	case CloseRateLimited:
		return "rate_limited"
	case CloseResumeExpired:
		return "resume_expired"
	case CloseSuperseded:
		return "superseded"
	case CloseDraining:
		return "draining"
	case CloseInternal:
		return "internal"
	case CloseNormal:
		return "normal"
	default:
		return "abnormal"
	}
}

// Action 关闭码到设备动作；未知码按连接异常处理
func (c CloseCode) Action() Action {
	switch c {
	case CloseIdentityMismatch, CloseCredentialMissing, CloseCredentialInvalid, CloseResumeExpired:
		return ActionReclaim
	case CloseCredentialExpired:
		return ActionRefresh
	case CloseSuperseded:
		return ActionStop
	case CloseDraining:
		return ActionResume
	default:
		return ActionBackoff
	}
}

// CloseCodeFor 错误到关闭码
func CloseCodeFor(err error) CloseCode {
	switch coreerrors.GetCode(err) {
	case coreerrors.CodeAuthFailed:
		return CloseIdentityMismatch
	case coreerrors.CodeTokenExpired:
		return CloseCredentialExpired
	case coreerrors.CodeInvalidToken:
		return CloseCredentialInvalid
	case coreerrors.CodeRateLimited:
		return CloseRateLimited
	case coreerrors.CodeResumeFailed:
		return CloseResumeExpired
	case coreerrors.CodeDraining:
		return CloseDraining
	default:
		return CloseInternal
	}
}
