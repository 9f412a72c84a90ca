// Package api implements the HTTP REST API and WebSocket server for aquacore.
//
// This package provides:
//   - Command submission and command/execution status reads per pond
//   - Schedule and threshold management (threshold saves push bounds to the device)
//   - Device registry reads, live device status and the bridge message log
//   - WebSocket hub relaying command, execution, alert and device updates
//   - JWT verification with a pond ownership check (403 for foreign ponds)
//   - Prometheus metrics on /metrics
//
// # Status codes
//
//	200/201      success
//	400          validation failure, nothing stored
//	401          missing or invalid token
//	403          role lacks the permission or the pond has another owner
//	404          unknown pond, device, command, execution, schedule or threshold
//	409          pond busy with a conflicting execution
//	500          anything else
//
// # Security
//
// Tokens are issued by the web tier and verified here with the shared
// secret. WebSocket connections use single-use tickets obtained with a
// valid token, so the JWT never appears in a URL.
package api
