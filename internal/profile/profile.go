// Package profile defines the public profile fields shown next to a match.
package profile

import "time"

// Profile is the publicly visible part of a user account.
type Profile struct {
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Avatar      string     `json:"avatar,omitempty"`
	Bio         string     `json:"bio,omitempty"`
	Location    string     `json:"location,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
}

// Age returns the profile owner's age in whole years at now. The second
// return value is false when no date of birth is on record.
func (p Profile) Age(now time.Time) (int, bool) {
	if p.DateOfBirth == nil {
		return 0, false
	}
	dob := p.DateOfBirth.In(now.Location())

	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return age, true
}
