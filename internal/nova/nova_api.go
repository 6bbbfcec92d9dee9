// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package nova

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cobaltcore-dev/reservoir/internal/keystone"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/aggregates"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
)

// Returned by the lookup helpers when nothing matches the name or id.
// Callers can distinguish a miss from a transport failure through these.
var (
	ErrHypervisorNotFound = errors.New("hypervisor not found")
	ErrAggregateNotFound  = errors.New("aggregate not found")
)

type NovaAPI interface {
	// Initialize the Nova API with the Keystone authentication.
	Init(ctx context.Context)
	// Get all nova hypervisors.
	GetAllHypervisors(ctx context.Context) ([]Hypervisor, error)
	// Get a hypervisor by its hostname or id.
	GetHypervisor(ctx context.Context, nameOrID string) (*Hypervisor, error)
	// Get all servers running on the given compute host.
	GetServersByHost(ctx context.Context, host string) ([]Server, error)
	// Delete a server (doesn't wait for it to complete).
	DeleteServer(ctx context.Context, id string) error
	// Create a new host aggregate.
	CreateAggregate(ctx context.Context, name, availabilityZone string) (*aggregates.Aggregate, error)
	// Delete a host aggregate by its id.
	DeleteAggregate(ctx context.Context, id int) error
	// Get a host aggregate by its name or id.
	GetAggregate(ctx context.Context, nameOrID string) (*aggregates.Aggregate, error)
	// Get all host aggregates.
	GetAllAggregates(ctx context.Context) ([]aggregates.Aggregate, error)
	// Add a compute host to an aggregate.
	AddHostToAggregate(ctx context.Context, id int, host string) error
	// Remove a compute host from an aggregate.
	RemoveHostFromAggregate(ctx context.Context, id int, host string) error
	// Replace the metadata of an aggregate.
	SetAggregateMetadata(ctx context.Context, id int, metadata map[string]any) error
}

// API for OpenStack Nova.
type novaAPI struct {
	// Keystone api to authenticate against.
	keystoneAPI keystone.KeystoneAPI
	// Authenticated OpenStack service client to fetch the data.
	sc *gophercloud.ServiceClient
}

// Create a new OpenStack Nova API.
func NewNovaAPI(k keystone.KeystoneAPI) NovaAPI {
	return &novaAPI{keystoneAPI: k}
}

// Init the nova API.
func (api *novaAPI) Init(ctx context.Context) {
	if err := api.keystoneAPI.Authenticate(ctx); err != nil {
		panic(err)
	}
	// Automatically fetch the nova endpoint from the keystone service catalog.
	provider := api.keystoneAPI.Client()
	serviceType := "compute"
	sameAsKeystone := api.keystoneAPI.Availability()
	url, err := api.keystoneAPI.FindEndpoint(sameAsKeystone, serviceType)
	if err != nil {
		panic(err)
	}
	slog.Info("using nova endpoint", "url", url)
	api.sc = &gophercloud.ServiceClient{
		ProviderClient: provider,
		Endpoint:       url,
		Type:           serviceType,
		// Since microversion 2.53, the hypervisor id and service id is a UUID.
		Microversion: "2.53",
	}
}

// Get all Nova hypervisors.
func (api *novaAPI) GetAllHypervisors(ctx context.Context) ([]Hypervisor, error) {
	// Note: currently we need to fetch this without gophercloud.
	// Gophercloud will just assume the request is a single page even when
	// the response is paginated, returning only the first page.
	initialURL := api.sc.Endpoint + "os-hypervisors/detail"
	var nextURL = &initialURL
	var hypervisors []Hypervisor
	for nextURL != nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, *nextURL, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Auth-Token", api.sc.Token())
		req.Header.Set("X-OpenStack-Nova-API-Version", api.sc.Microversion)
		resp, err := api.sc.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		var list struct {
			Hypervisors []Hypervisor `json:"hypervisors"`
			Links       []struct {
				Rel  string `json:"rel"`
				Href string `json:"href"`
			} `json:"hypervisors_links"`
		}
		err = json.NewDecoder(resp.Body).Decode(&list)
		if err != nil {
			return nil, err
		}
		hypervisors = append(hypervisors, list.Hypervisors...)
		nextURL = nil
		for _, link := range list.Links {
			if link.Rel == "next" {
				nextURL = &link.Href
				break
			}
		}
	}
	slog.Info("fetched nova hypervisors", "count", len(hypervisors))
	return hypervisors, nil
}

// Get a hypervisor by its hostname or id.
func (api *novaAPI) GetHypervisor(ctx context.Context, nameOrID string) (*Hypervisor, error) {
	hypervisors, err := api.GetAllHypervisors(ctx)
	if err != nil {
		return nil, err
	}
	for _, hypervisor := range hypervisors {
		if hypervisor.Hostname == nameOrID || hypervisor.ID == nameOrID {
			return &hypervisor, nil
		}
	}
	return nil, fmt.Errorf("hypervisor %q: %w", nameOrID, ErrHypervisorNotFound)
}

// Get all servers running on the given compute host.
func (api *novaAPI) GetServersByHost(ctx context.Context, host string) ([]Server, error) {
	lo := servers.ListOpts{
		AllTenants: true,
		Host:       host,
	}
	pages, err := servers.List(api.sc, lo).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	// Parse the json data into our custom model.
	var data = &struct {
		Servers []Server `json:"servers"`
	}{}
	if err := pages.(servers.ServerPage).ExtractInto(data); err != nil {
		return nil, err
	}
	slog.Info("fetched nova servers", "host", host, "count", len(data.Servers))
	return data.Servers, nil
}

// Delete a server (doesn't wait for it to complete).
func (api *novaAPI) DeleteServer(ctx context.Context, id string) error {
	return servers.Delete(ctx, api.sc, id).ExtractErr()
}

// Create a new host aggregate.
func (api *novaAPI) CreateAggregate(ctx context.Context, name, availabilityZone string) (*aggregates.Aggregate, error) {
	opts := aggregates.CreateOpts{
		Name:             name,
		AvailabilityZone: availabilityZone,
	}
	return aggregates.Create(ctx, api.sc, opts).Extract()
}

// Delete a host aggregate by its id.
func (api *novaAPI) DeleteAggregate(ctx context.Context, id int) error {
	return aggregates.Delete(ctx, api.sc, id).ExtractErr()
}

// Get a host aggregate by its name or id.
// The nova API can only look up aggregates by their numeric id, so
// matching by name needs a scan over all aggregates.
func (api *novaAPI) GetAggregate(ctx context.Context, nameOrID string) (*aggregates.Aggregate, error) {
	all, err := api.GetAllAggregates(ctx)
	if err != nil {
		return nil, err
	}
	for _, aggregate := range all {
		if aggregate.Name == nameOrID || strconv.Itoa(aggregate.ID) == nameOrID {
			return &aggregate, nil
		}
	}
	return nil, fmt.Errorf("aggregate %q: %w", nameOrID, ErrAggregateNotFound)
}

// Get all host aggregates.
func (api *novaAPI) GetAllAggregates(ctx context.Context) ([]aggregates.Aggregate, error) {
	pages, err := aggregates.List(api.sc).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	all, err := aggregates.ExtractAggregates(pages)
	if err != nil {
		return nil, err
	}
	slog.Info("fetched nova aggregates", "count", len(all))
	return all, nil
}

// Add a compute host to an aggregate.
func (api *novaAPI) AddHostToAggregate(ctx context.Context, id int, host string) error {
	opts := aggregates.AddHostOpts{Host: host}
	_, err := aggregates.AddHost(ctx, api.sc, id, opts).Extract()
	return err
}

// Remove a compute host from an aggregate.
func (api *novaAPI) RemoveHostFromAggregate(ctx context.Context, id int, host string) error {
	opts := aggregates.RemoveHostOpts{Host: host}
	_, err := aggregates.RemoveHost(ctx, api.sc, id, opts).Extract()
	return err
}

// Replace the metadata of an aggregate.
func (api *novaAPI) SetAggregateMetadata(ctx context.Context, id int, metadata map[string]any) error {
	opts := aggregates.SetMetadataOpts{Metadata: metadata}
	_, err := aggregates.SetMetadata(ctx, api.sc, id, opts).Extract()
	return err
}
