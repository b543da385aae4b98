package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/stores"
)

// ExampleNew demonstrates opening a store and filtering policies.
func ExampleNew() {
	ctx := context.Background()

	store, err := stores.New(ctx, stores.Config{Type: stores.TypeSQLite, Path: ":memory:"}, zerolog.Nop())
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	for i, instance := range []string{"blue", "green", "blue"} {
		p := model.NewPolicy(fmt.Sprintf("p%d", i), &model.PolicyCreate{
			Name:    "cpu",
			Subject: model.AppSubject{AppName: "shop", AppInstance: instance, AppComponent: "web"},
			Spec:    &model.TelemetrySpec{Expr: "up"},
			Action:  &model.WebhookAction{URL: "http://example.com", HTTPMethod: "POST"},
		})
		if err := store.Insert(ctx, p); err != nil {
			log.Fatal(err)
		}
	}

	policies, err := store.List(ctx, stores.Filters{"subject.appInstance": "blue"})
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range policies {
		fmt.Println(p.ID)
	}
	// Output:
	// p0
	// p2
}
