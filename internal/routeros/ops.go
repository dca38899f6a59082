package routeros

import (
	"fmt"
	"net/netip"
)

// OpKind names a gateway operation
type OpKind string

const (
	OpCreatePool    OpKind = "createPool"
	OpCreateProfile OpKind = "createProfile"
	OpUpdateProfile OpKind = "updateProfile"
	OpDeleteProfile OpKind = "deleteProfile"
	OpCreateAccount OpKind = "createAccount"
	OpUpdateAccount OpKind = "updateAccount"
	OpDeleteAccount OpKind = "deleteAccount"
	OpGetAccount    OpKind = "getAccount"
	OpListPools     OpKind = "listPools"
	OpListProfiles  OpKind = "listProfiles"
	OpListAccounts  OpKind = "listAccounts"
)

// Operation is a validated parameter struct for one gateway call
type Operation interface {
	Kind() OpKind
	Validate() error
}

// Result is what a gateway call returns: the router-assigned ID on create,
// object snapshots on get and list.
type Result struct {
	ID       string
	Existing bool
	Objects  []Object
}

type CreatePool struct {
	Name   string
	Ranges string
}

func (CreatePool) Kind() OpKind { return OpCreatePool }

func (o CreatePool) Validate() error {
	if o.Name == "" || o.Ranges == "" {
		return invalid("create pool requires name and ranges")
	}
	return nil
}

type CreateProfile struct {
	Name         string
	RateLimit    string
	LocalAddress string
}

func (CreateProfile) Kind() OpKind { return OpCreateProfile }

func (o CreateProfile) Validate() error {
	if o.Name == "" {
		return invalid("create profile requires a name")
	}
	return validAddress(o.LocalAddress, true)
}

// UpdateProfile patches a profile. Empty fields are left untouched.
type UpdateProfile struct {
	ID        string
	RateLimit string
}

func (UpdateProfile) Kind() OpKind { return OpUpdateProfile }

func (o UpdateProfile) Validate() error {
	if o.ID == "" {
		return invalid("update profile requires an object ID")
	}
	return nil
}

type DeleteProfile struct {
	ID string
}

func (DeleteProfile) Kind() OpKind { return OpDeleteProfile }

func (o DeleteProfile) Validate() error {
	if o.ID == "" {
		return invalid("delete profile requires an object ID")
	}
	return nil
}

// CreateAccount creates a PPPoE secret. The profile is addressed by its
// object ID and resolved to its current name at call time.
type CreateAccount struct {
	Username      string
	Password      string
	ProfileID     string
	RemoteAddress string
	Comment       string
}

func (CreateAccount) Kind() OpKind { return OpCreateAccount }

func (o CreateAccount) Validate() error {
	if o.Username == "" || o.Password == "" {
		return invalid("create account requires username and password")
	}
	if o.ProfileID == "" {
		return invalid("create account requires a profile")
	}
	if o.RemoteAddress == "" {
		return invalid("create account requires a pool address")
	}
	return validAddress(o.RemoteAddress, false)
}

// UpdateAccount patches a PPPoE secret in one device call. Moving an
// account between pools sets ProfileID and RemoteAddress together.
type UpdateAccount struct {
	ID            string
	Password      string
	ProfileID     string
	RemoteAddress string
	Disabled      *bool
}

func (UpdateAccount) Kind() OpKind { return OpUpdateAccount }

func (o UpdateAccount) Validate() error {
	if o.ID == "" {
		return invalid("update account requires an object ID")
	}
	if o.Password == "" && o.ProfileID == "" && o.RemoteAddress == "" && o.Disabled == nil {
		return invalid("update account has nothing to change")
	}
	return validAddress(o.RemoteAddress, true)
}

type DeleteAccount struct {
	ID string
}

func (DeleteAccount) Kind() OpKind { return OpDeleteAccount }

func (o DeleteAccount) Validate() error {
	if o.ID == "" {
		return invalid("delete account requires an object ID")
	}
	return nil
}

type GetAccount struct {
	ID string
}

func (GetAccount) Kind() OpKind { return OpGetAccount }

func (o GetAccount) Validate() error {
	if o.ID == "" {
		return invalid("get account requires an object ID")
	}
	return nil
}

type ListPools struct{}

func (ListPools) Kind() OpKind    { return OpListPools }
func (ListPools) Validate() error { return nil }

type ListProfiles struct{}

func (ListProfiles) Kind() OpKind    { return OpListProfiles }
func (ListProfiles) Validate() error { return nil }

type ListAccounts struct{}

func (ListAccounts) Kind() OpKind    { return OpListAccounts }
func (ListAccounts) Validate() error { return nil }

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, msg)
}

func validAddress(s string, optional bool) error {
	if s == "" && optional {
		return nil
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return invalid(fmt.Sprintf("address %q: %v", s, err))
	}
	return nil
}
