package creds

import "regexp"

// The account id is pulled out of the raw kubeconfig text by pattern scan,
// not by parsing the file against a schema. Kubeconfigs for EKS clusters
// carry the cluster ARN in the server/user entries and the exec section often
// references an IAM role ARN; either is good enough to pick the account, and
// a config that matches neither simply has no derivable account.
var (
	eksClusterARN = regexp.MustCompile(`arn:aws:eks:[a-z0-9-]+:(\d{12}):cluster/`)
	iamRoleARN    = regexp.MustCompile(`arn:aws:iam::(\d{12}):role/`)
)

// AccountID extracts the 12-digit AWS account id from kubeconfig content.
// An EKS cluster ARN wins over an IAM role ARN; the first match of the
// winning pattern is used.
func AccountID(config []byte) (string, bool) {
	if m := eksClusterARN.FindSubmatch(config); m != nil {
		return string(m[1]), true
	}
	if m := iamRoleARN.FindSubmatch(config); m != nil {
		return string(m[1]), true
	}
	return "", false
}
