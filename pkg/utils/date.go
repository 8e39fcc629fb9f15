package utils

import (
	"log"
	"time"
)

var warsawLocation *time.Location

func init() {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		log.Fatal("Failed to load Europe/Warsaw location: ", err)
	}
	warsawLocation = loc
}

// WarsawLocation returns the GPW exchange time zone.
func WarsawLocation() *time.Location {
	return warsawLocation
}

// TimeNowWarsaw returns the current wall-clock time in Europe/Warsaw.
func TimeNowWarsaw() time.Time {
	return time.Now().In(warsawLocation)
}

// ToWarsaw converts any timestamp to Europe/Warsaw local time.
func ToWarsaw(t time.Time) time.Time {
	return t.In(warsawLocation)
}
