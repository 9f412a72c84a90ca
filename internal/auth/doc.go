// Package auth verifies the access tokens issued by the web tier and
// decides what a caller may do with a pond.
//
// Tokens are HS256 JWTs signed with the shared security.jwt.secret. The
// subject is the user ID compared against a pond's owner_id; the role
// selects a static permission set:
//
//	viewer   read pond, command and execution state
//	operator viewer + submit commands, manage schedules and thresholds
//	admin    operator + register devices, bypasses the ownership check
//	service  internal callers (scheduler tiers, integrations); admin rights
//
// This package never issues tokens for end users. GenerateAccessToken
// exists for service identities and tests.
package auth
