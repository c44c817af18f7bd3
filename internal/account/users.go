package account

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// DemoUsers returns user1..user10 (pass1..pass10) plus admin/adminpass, all
// holding startingCash.
func DemoUsers(startingCash decimal.Decimal) []User {
	users := make([]User, 0, 11)
	for i := 1; i <= 10; i++ {
		users = append(users, User{
			Username: fmt.Sprintf("user%d", i),
			Password: fmt.Sprintf("pass%d", i),
			Cash:     startingCash,
		})
	}
	return append(users, User{Username: AdminUsername, Password: "adminpass", Cash: startingCash})
}

// EnsureUsers creates every user in users that does not exist yet.
func EnsureUsers(ctx context.Context, store Store, users []User) error {
	for _, u := range users {
		if _, err := store.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("failed to create user %s: %w", u.Username, err)
		}
	}
	return nil
}
