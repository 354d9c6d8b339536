package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// FriendList is stored as a JSONB array.
type FriendList []Friend

// UnmarshalJSON accepts either a bare name string or an object.
func (f *Friend) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*f = Friend{Name: name}
		return nil
	}
	type plain Friend
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("friend: %w", err)
	}
	*f = Friend(p)
	return nil
}

func (f FriendList) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *FriendList) Scan(src interface{}) error {
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("friends: %w", err)
	}
	if b == nil {
		*f = FriendList{}
		return nil
	}
	return json.Unmarshal(b, f)
}

// Value returns a string so lib/pq sends it as text rather than bytea.
func (d PaymentDetails) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *PaymentDetails) Scan(src interface{}) error {
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("payment_details: %w", err)
	}
	if b == nil {
		return nil
	}
	return json.Unmarshal(b, d)
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", src)
	}
}
