package creds

// Scope carries the credentials resolved for a single cluster call. It is a
// plain per-request value: the probe injects its variables into a copy of
// the kubeconfig's exec-plugin configuration, never into process state, so
// overlapping calls against different accounts cannot see each other's
// credentials and nothing needs restoring afterwards.
type Scope struct {
	creds *Credentials
}

// Empty reports whether the scope carries no credentials. An empty scope is
// a no-op: downstream calls run with whatever ambient credentials exist.
func (s *Scope) Empty() bool {
	return s == nil || s.creds == nil
}

// Env returns the AWS credential environment for this scope, suitable for
// handing to a credential-discovering subprocess such as a kubeconfig exec
// plugin. Empty scopes return an empty map.
func (s *Scope) Env() map[string]string {
	if s.Empty() {
		return map[string]string{}
	}
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     s.creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": s.creds.SecretAccessKey,
		"AWS_SESSION_TOKEN":     s.creds.SessionToken,
	}
}
