package model

import "net/http"

// Proxied console routes.
var (
	DeleteMemberRoute = Route{
		Name:        "delete_member",
		Method:      http.MethodPost,
		Path:        "/api/v1/members/delete-member",
		RequireAuth: true,
		ForwardBody: true,
	}

	CurrentUserRoute = Route{
		Name:        "current_user",
		Method:      http.MethodGet,
		Path:        "/api/v1/users/me",
		RequireAuth: true,
	}

	UserByEmailRoute = Route{
		Name:   "user_by_email",
		Method: http.MethodGet,
		Path:   "/api/v1/users/:email",
	}
)

// Routes lists every proxied route in registration order.
var Routes = []Route{DeleteMemberRoute, CurrentUserRoute, UserByEmailRoute}
