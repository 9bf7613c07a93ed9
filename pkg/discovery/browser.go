package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ServiceEntry is a single mDNS answer, decoupled from the zeroconf types.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToService converts the entry to a Service.
func (e *ServiceEntry) ToService() (*Service, error) {
	info, err := DecodeTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Instance, err)
	}
	info.Instance = e.Instance
	info.Port = e.Port

	return &Service{
		InstanceName: e.Instance,
		Host:         e.Host,
		Port:         e.Port,
		Addresses:    append([]string(nil), e.Addrs...),
		Info:         info,
	}, nil
}

// aggregator folds entries of the same instance arriving over several
// interfaces into one Service.
type aggregator struct {
	services map[string]*Service
}

func newAggregator() *aggregator {
	return &aggregator{services: make(map[string]*Service)}
}

// add records e. It returns the service when the instance is new; entries
// for known instances only contribute their addresses.
func (a *aggregator) add(e *ServiceEntry) *Service {
	svc, err := e.ToService()
	if err != nil {
		return nil
	}
	if existing, ok := a.services[svc.InstanceName]; ok {
		existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
		return nil
	}
	a.services[svc.InstanceName] = svc
	return svc
}

// remove drops e's addresses. The instance is forgotten once none remain.
func (a *aggregator) remove(e *ServiceEntry) {
	existing, ok := a.services[e.Instance]
	if !ok {
		return
	}
	existing.Addresses = removeAddresses(existing.Addresses, e.Addrs)
	if len(existing.Addresses) == 0 {
		delete(a.services, e.Instance)
	}
}

func (a *aggregator) get(instance string) (*Service, bool) {
	svc, ok := a.services[instance]
	return svc, ok
}

// run aggregates entries and removals until ctx is done or entries is
// closed, emitting each new instance on out.
func (a *aggregator) run(ctx context.Context, entries, removed <-chan *ServiceEntry, out chan<- *Service) {
	defer close(out)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			svc := a.add(e)
			if svc == nil {
				continue
			}
			select {
			case out <- svc:
			case <-ctx.Done():
				return
			}
		case e, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			a.remove(e)
		case <-ctx.Done():
			return
		}
	}
}

// mergeAddresses appends addresses from add not already present.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range add {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses, drop []string) []string {
	toRemove := make(map[string]bool, len(drop))
	for _, addr := range drop {
		toRemove[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}

// DialAddress returns the first address of svc that parses as an IP, joined
// with its port. Link-local IPv6 addresses are skipped.
func DialAddress(svc *Service) (string, error) {
	for _, a := range svc.Addresses {
		ip := net.ParseIP(a)
		if ip == nil || (ip.To4() == nil && ip.IsLinkLocalUnicast()) {
			continue
		}
		return net.JoinHostPort(a, strconv.Itoa(int(svc.Port))), nil
	}
	if svc.Host != "" {
		return net.JoinHostPort(svc.Host, strconv.Itoa(int(svc.Port))), nil
	}
	return "", fmt.Errorf("%w: %s has no usable address", ErrNotFound, svc.InstanceName)
}
