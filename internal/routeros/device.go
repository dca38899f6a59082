package routeros

import (
	"context"
	"strings"
)

// Table is a RouterOS menu path holding one kind of object
type Table string

const (
	TablePools    Table = "ip/pool"
	TableProfiles Table = "ppp/profile"
	TableSecrets  Table = "ppp/secret"
)

// Property names used on RouterOS objects
const (
	KeyID            = ".id"
	KeyName          = "name"
	KeyRanges        = "ranges"
	KeyRateLimit     = "rate-limit"
	KeyLocalAddress  = "local-address"
	KeyProfile       = "profile"
	KeyPassword      = "password"
	KeyService       = "service"
	KeyRemoteAddress = "remote-address"
	KeyDisabled      = "disabled"
	KeyComment       = "comment"
)

// Object is a RouterOS object as a flat property map
type Object map[string]string

// ID returns the immutable object identifier
func (o Object) ID() string { return o[KeyID] }

// Name returns the mutable display name
func (o Object) Name() string { return o[KeyName] }

// Disabled reports the RouterOS boolean "disabled" property
func (o Object) Disabled() bool {
	v := strings.ToLower(o[KeyDisabled])
	return v == "true" || v == "yes"
}

func (o Object) clone() Object {
	c := make(Object, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Device is the transport to one router. Implementations wrap failures in
// ErrUnreachable, ErrRejected, ErrMalformed or ErrNoSuchObject.
type Device interface {
	List(ctx context.Context, table Table) ([]Object, error)
	Get(ctx context.Context, table Table, id string) (Object, error)
	Create(ctx context.Context, table Table, props Object) (string, error)
	Update(ctx context.Context, table Table, id string, props Object) error
	Delete(ctx context.Context, table Table, id string) error
}

// findByName returns the object named name, or nil when absent
func findByName(ctx context.Context, dev Device, table Table, name string) (Object, error) {
	objects, err := dev.List(ctx, table)
	if err != nil {
		return nil, err
	}
	for _, o := range objects {
		if o.Name() == name {
			return o, nil
		}
	}
	return nil, nil
}
