package cases

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"biometricvqa/internal/models"
)

// Assignment maps case ids to their split
type Assignment map[string]models.Split

// Counts returns the number of train and test cases.
func (a Assignment) Counts() (train, test int) {
	for _, s := range a {
		if s == models.Train {
			train++
		} else {
			test++
		}
	}
	return train, test
}

// TrainCount returns floor(ratio*n), tolerating floating point error in the
// product so that e.g. 0.7*100 yields 70.
func TrainCount(n int, ratio float64) int {
	return int(math.Floor(ratio*float64(n) + 1e-9))
}

// AssignSplit partitions ids into train and test. The ids are sorted and
// deduplicated first, then shuffled by a generator seeded only by seed, so
// the result depends on nothing but (id set, seed, ratio).
func AssignSplit(ids []string, seed int64, ratio float64) (Assignment, error) {
	if !(ratio > 0 && ratio < 1) {
		return nil, fmt.Errorf("split ratio must be in (0,1), got %g", ratio)
	}

	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(unique), func(i, j int) {
		unique[i], unique[j] = unique[j], unique[i]
	})

	nTrain := TrainCount(len(unique), ratio)
	out := make(Assignment, len(unique))
	for i, id := range unique {
		if i < nTrain {
			out[id] = models.Train
		} else {
			out[id] = models.Test
		}
	}
	return out, nil
}

// Apply sets the split on every case of the pairings.
func (a Assignment) Apply(pairings []*Pairing) error {
	for _, pr := range pairings {
		for i := range pr.Cases {
			s, ok := a[pr.Cases[i].ID]
			if !ok {
				return fmt.Errorf("case %s has no split assignment", pr.Cases[i].ID)
			}
			pr.Cases[i].Split = s
		}
	}
	return nil
}
