package trailhead

import "fmt"

func ExampleMerge() {
	local := []Initiative{
		{ID: "roadmap", Name: "Roadmap (local draft)", LastUpdated: "2026-03-01T12:00:00Z"},
		{ID: "hiring", Name: "Hiring Plan", LastUpdated: "2026-02-15T09:00:00Z"},
	}
	remote := []Initiative{
		{ID: "roadmap", Name: "Roadmap", LastUpdated: "2026-03-02T08:00:00Z"},
	}

	result := Merge(local, remote)
	for _, in := range result.Initiatives {
		fmt.Println(in.ID, "->", in.Name)
	}
	fmt.Println("local-only:", result.LocalOnly)
	// Output:
	// roadmap -> Roadmap
	// hiring -> Hiring Plan
	// local-only: [hiring]
}
