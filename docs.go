// oktaidx provides a collection of related packages for authenticating
// against Okta: an OAuth2/OIDC client layer (oidc), an Identity Engine
// workflow client (idx) and token lifecycle management with pluggable
// persistence (credential, credential/storage).
package oktaidx
