package main

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Donald", "Margaret", "Ken", "Radia", "Linus", "Frances", "John"}
	lastNames  = []string{"Lovelace", "Hopper", "Turing", "Dijkstra", "Liskov", "Knuth", "Hamilton", "Thompson", "Perlman", "Torvalds", "Allen", "Backus"}
)

// Student is the sample document written to the watched collection
type Student struct {
	ID          string    `bson:"id"`
	FirstName   string    `bson:"firstName"`
	LastName    string    `bson:"lastName"`
	DateOfBirth time.Time `bson:"dateOfBirth"`
}

// studentGenerator is not safe for concurrent use; each writer owns one
type studentGenerator struct {
	rng *rand.Rand
}

func newStudentGenerator(seed int64) *studentGenerator {
	return &studentGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *studentGenerator) next() Student {
	// Born between 1995-01-01 and 2009-12-31
	start := time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)
	days := g.rng.Intn(15 * 365)
	return Student{
		ID:          uuid.NewString(),
		FirstName:   firstNames[g.rng.Intn(len(firstNames))],
		LastName:    lastNames[g.rng.Intn(len(lastNames))],
		DateOfBirth: start.AddDate(0, 0, days),
	}
}

func (g *studentGenerator) rename() bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "firstName", Value: firstNames[g.rng.Intn(len(firstNames))]},
		{Key: "lastName", Value: lastNames[g.rng.Intn(len(lastNames))]},
	}}}
}
