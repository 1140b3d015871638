// Package auth implements the identity gate for hearth connections.
//
// Two credential paths exist:
//
//   - Agents present an HS256 JWT with sub, company_id, and role claims.
//     Any verification failure rejects the connection outright; a bad
//     token is never silently downgraded to a visitor, which would make
//     token forging indistinguishable from anonymity.
//
//   - Visitors connect with no credentials. Company binding happens on
//     their first verify message, which must carry a company API key.
//     Unknown keys fail with INVALID_API_KEY, keys of deactivated
//     companies with COMPANY_NOT_ACTIVE; neither creates any state.
package auth
