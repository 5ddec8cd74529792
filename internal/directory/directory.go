// Package directory exposes the LDAP-like identity directory used as the
// credential authority. Callers work with usernames; distinguished names are
// derived as uid=<username>,<baseDN>.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	ErrNoSuchUser         = errors.New("directory: no such user")
	ErrInvalidCredentials = errors.New("directory: invalid credentials")
	ErrAlreadyExists      = errors.New("directory: entry already exists")
	ErrUnavailable        = errors.New("directory: unavailable")
)

// Attribute names read and written on identity entries.
const (
	AttrUID            = "uid"
	AttrCommonName     = "cn"
	AttrSurname        = "sn"
	AttrMail           = "mail"
	AttrRole           = "employeeType"
	AttrEmployeeNumber = "employeeNumber"
	AttrDescription    = "description"
	AttrPassword       = "userPassword"
)

var (
	personObjectClasses = []string{"inetOrgPerson", "top"}
	userAttributes      = []string{AttrUID, AttrCommonName, AttrMail, AttrRole, AttrEmployeeNumber, AttrDescription}
)

// Entry is a directory object with its attribute values.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Get returns the first value of the named attribute, or "".
func (e Entry) Get(name string) string {
	for k, vals := range e.Attributes {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// Conn is the directory protocol capability: bind, search, add, modify and
// delete keyed by distinguished name.
type Conn interface {
	Bind(ctx context.Context, dn, password string) error
	Search(ctx context.Context, base, filter string, attrs []string) ([]Entry, error)
	Add(ctx context.Context, dn string, objectClasses []string, attrs map[string][]string) error
	Modify(ctx context.Context, dn string, replace map[string][]string) error
	Delete(ctx context.Context, dn string) error
}

// User is the identity view of a directory entry.
type User struct {
	Username   string
	DN         string
	FullName   string
	Email      string
	Role       string
	EmployeeID string
	// AuthorizationLevel is zero when the entry carries no auth_level description.
	AuthorizationLevel int
}

// NewUser describes an entry to create.
type NewUser struct {
	Username           string
	Password           string
	FullName           string
	Email              string
	Role               string
	EmployeeID         string
	AuthorizationLevel int
}

// Directory maps identity operations onto a Conn.
type Directory struct {
	conn   Conn
	baseDN string
}

// New constructs a Directory rooted at baseDN.
func New(conn Conn, baseDN string) *Directory {
	return &Directory{conn: conn, baseDN: strings.TrimSpace(baseDN)}
}

// DN derives the distinguished name for username.
func (d *Directory) DN(username string) string {
	return fmt.Sprintf("%s=%s,%s", AttrUID, ldap.EscapeDN(username), d.baseDN)
}

// Lookup returns the entry for username or ErrNoSuchUser.
func (d *Directory) Lookup(ctx context.Context, username string) (*User, error) {
	entries, err := d.conn.Search(ctx, d.DN(username), "(objectClass=inetOrgPerson)", userAttributes)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoSuchUser
	}
	return toUser(entries[0]), nil
}

// Authenticate binds as username with password.
func (d *Directory) Authenticate(ctx context.Context, username, password string) error {
	if password == "" {
		// An empty password would be an unauthenticated bind, which servers accept.
		return ErrInvalidCredentials
	}
	return d.conn.Bind(ctx, d.DN(username), password)
}

// ListUsers returns every person entry under the base DN.
func (d *Directory) ListUsers(ctx context.Context) ([]*User, error) {
	return d.search(ctx, "(objectClass=inetOrgPerson)")
}

// ListByRole returns person entries whose role attribute equals role.
func (d *Directory) ListByRole(ctx context.Context, role string) ([]*User, error) {
	filter := fmt.Sprintf("(&(objectClass=inetOrgPerson)(%s=%s))", AttrRole, ldap.EscapeFilter(role))
	return d.search(ctx, filter)
}

func (d *Directory) search(ctx context.Context, filter string) ([]*User, error) {
	entries, err := d.conn.Search(ctx, d.baseDN, filter, userAttributes)
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(entries))
	for _, e := range entries {
		users = append(users, toUser(e))
	}
	return users, nil
}

// CreateUser adds a person entry.
func (d *Directory) CreateUser(ctx context.Context, u NewUser) error {
	name := strings.TrimSpace(u.FullName)
	if name == "" {
		name = u.Username
	}
	surname := name
	if i := strings.LastIndex(name, " "); i >= 0 {
		surname = name[i+1:]
	}
	attrs := map[string][]string{
		AttrUID:        {u.Username},
		AttrCommonName: {name},
		AttrSurname:    {surname},
		AttrPassword:   {u.Password},
		AttrRole:       {u.Role},
	}
	if u.Email != "" {
		attrs[AttrMail] = []string{u.Email}
	}
	if u.EmployeeID != "" {
		attrs[AttrEmployeeNumber] = []string{u.EmployeeID}
	}
	if u.AuthorizationLevel > 0 {
		attrs[AttrDescription] = []string{FormatAuthLevel(u.AuthorizationLevel)}
	}
	return d.conn.Add(ctx, d.DN(u.Username), personObjectClasses, attrs)
}

// SetRole replaces the role attribute, and the employee number when given.
func (d *Directory) SetRole(ctx context.Context, username, role, employeeID string) error {
	replace := map[string][]string{AttrRole: {role}}
	if employeeID != "" {
		replace[AttrEmployeeNumber] = []string{employeeID}
	}
	return d.conn.Modify(ctx, d.DN(username), replace)
}

// SetAuthorizationLevel stores level in the description attribute.
func (d *Directory) SetAuthorizationLevel(ctx context.Context, username string, level int) error {
	return d.conn.Modify(ctx, d.DN(username), map[string][]string{
		AttrDescription: {FormatAuthLevel(level)},
	})
}

// SetEmployeeID replaces the employee number attribute.
func (d *Directory) SetEmployeeID(ctx context.Context, username, employeeID string) error {
	return d.conn.Modify(ctx, d.DN(username), map[string][]string{
		AttrEmployeeNumber: {employeeID},
	})
}

// SetPassword replaces the stored password.
func (d *Directory) SetPassword(ctx context.Context, username, password string) error {
	return d.conn.Modify(ctx, d.DN(username), map[string][]string{
		AttrPassword: {password},
	})
}

// DeleteUser removes the entry for username.
func (d *Directory) DeleteUser(ctx context.Context, username string) error {
	return d.conn.Delete(ctx, d.DN(username))
}

// Ping checks that the base DN is searchable.
func (d *Directory) Ping(ctx context.Context) error {
	entries, err := d.conn.Search(ctx, d.baseDN, "(objectClass=*)", []string{"dn"})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: base dn %s missing", ErrUnavailable, d.baseDN)
	}
	return nil
}

func toUser(e Entry) *User {
	u := &User{
		Username:   e.Get(AttrUID),
		DN:         e.DN,
		FullName:   e.Get(AttrCommonName),
		Email:      e.Get(AttrMail),
		Role:       e.Get(AttrRole),
		EmployeeID: e.Get(AttrEmployeeNumber),
	}
	if level, ok := ParseAuthLevel(e.Get(AttrDescription)); ok {
		u.AuthorizationLevel = level
	}
	return u
}
