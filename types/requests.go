package types

import (
	"errors"
	"strings"
)

// Request to issue a certificate and, optionally, bind it to a container app.
type AddCertificateRequest struct {
	DnsNames             []string `json:"dnsNames"`
	ManagedEnvironmentId string   `json:"managedEnvironmentId"`
	BindToContainerApp   bool     `json:"bindToContainerApp"`
	ContainerAppId       string   `json:"containerAppId"`
}

func (r AddCertificateRequest) Validate() error {
	if len(r.DnsNames) == 0 {
		return errors.New("dnsNames is required")
	}
	if r.ManagedEnvironmentId == "" {
		return errors.New("managedEnvironmentId is required")
	}
	if r.BindToContainerApp && r.ContainerAppId == "" {
		return errors.New("containerAppId is required when bindToContainerApp is set")
	}
	return nil
}

// Request to issue a wildcard certificate for an environment-level DNS suffix.
type AddDnsSuffixRequest struct {
	DnsSuffix            string `json:"dnsSuffix"`
	ManagedEnvironmentId string `json:"managedEnvironmentId"`
}

func (r AddDnsSuffixRequest) Validate() error {
	if r.DnsSuffix == "" {
		return errors.New("dnsSuffix is required")
	}
	if strings.HasPrefix(r.DnsSuffix, "*") {
		return errors.New("dnsSuffix must not start with a wildcard label")
	}
	if r.ManagedEnvironmentId == "" {
		return errors.New("managedEnvironmentId is required")
	}
	return nil
}

// Returned immediately by the asynchronous entry points. Progress is
// observable via the last-operation query or the completion webhook.
type OperationHandle struct {
	InstanceId string `json:"instanceId"`
}
