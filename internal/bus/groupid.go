package bus

import "github.com/google/uuid"

func newRandomGroupID() string {
	return uuid.NewString()
}
