package store

import "fmt"

// 键空间集中定义，所有组件只通过这些函数拼键

func PairingKey(code string) string { return "pairing:" + code }

func PairingConsumedKey(code string) string { return "pairing:used:" + code }

func NonceKey(deviceID, nonce string) string { return fmt.Sprintf("nonce:%s:%s", deviceID, nonce) }

func IdempotencyKey(fingerprint string) string { return "idem:" + fingerprint }

func SessionKey(deviceID string) string { return "session:" + deviceID }

func ResumeKey(deviceID, companionID string) string {
	return fmt.Sprintf("resume:%s:%s", deviceID, companionID)
}

func AffinityKey(deviceID string) string { return "affinity:" + deviceID }

func InstanceKey(instanceID string) string { return "instance:" + instanceID }

func RateKey(scope, key string) string { return fmt.Sprintf("rl:%s:%s", scope, key) }

func ViolationKey(scope, key string) string { return fmt.Sprintf("rl:viol:%s:%s", scope, key) }

func LockoutKey(scope, key string) string { return fmt.Sprintf("rl:lock:%s:%s", scope, key) }

func RefreshUsedKey(jti string) string { return "token:refresh:used:" + jti }
