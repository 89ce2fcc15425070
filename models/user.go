package models

// User is an account on the platform.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// UserWithoutSecrets is the public projection of a user.
type UserWithoutSecrets struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// WithoutSecrets strips credentials from a user record.
func (u User) WithoutSecrets() UserWithoutSecrets {
	return UserWithoutSecrets{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		AvatarURL: u.AvatarURL,
	}
}
