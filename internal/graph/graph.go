// Package graph keeps user insights in Neo4j as
// (User {id})-[:SHOWED]->(Insight {...}) so related habits can be traversed.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/proactive"
)

// InsightGraph is a proactive.InsightStore backed by Neo4j.
type InsightGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, user, password string, logger *zap.Logger) (*InsightGraph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j: %w", err)
	}
	logger.Info("Neo4j connected", zap.String("uri", uri))
	return &InsightGraph{driver: driver, logger: logger}, nil
}

// EnsureSchema creates the uniqueness constraints.
func (g *InsightGraph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, cypher := range []string{
		`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
		`CREATE CONSTRAINT insight_id IF NOT EXISTS FOR (i:Insight) REQUIRE i.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, cypher, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveInsight merges the user node and links a new or updated insight.
func (g *InsightGraph) SaveInsight(ctx context.Context, in proactive.Insight) error {
	in.Normalize(time.Now())

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (u:User {id: $userId})
		 MERGE (i:Insight {id: $id})
		 SET i.type = $type, i.content = $content,
		     i.confidence = $confidence, i.created_at = $createdAt
		 MERGE (u)-[:SHOWED]->(i)`,
		map[string]interface{}{
			"userId":     in.UserID,
			"id":         in.ID,
			"type":       in.Type,
			"content":    in.Content,
			"confidence": in.Confidence,
			"createdAt":  in.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	return nil
}

// Insights returns a user's insights, oldest first.
func (g *InsightGraph) Insights(ctx context.Context, userID string) ([]proactive.Insight, error) {
	return g.query(ctx,
		`MATCH (:User {id: $userId})-[:SHOWED]->(i:Insight)
		 RETURN i.id, i.type, i.content, i.confidence, i.created_at
		 ORDER BY i.created_at, i.id`,
		map[string]interface{}{"userId": userID}, userID)
}

// ByType returns a user's insights of one type, most confident first.
func (g *InsightGraph) ByType(ctx context.Context, userID, insightType string) ([]proactive.Insight, error) {
	return g.query(ctx,
		`MATCH (:User {id: $userId})-[:SHOWED]->(i:Insight {type: $type})
		 RETURN i.id, i.type, i.content, i.confidence, i.created_at
		 ORDER BY i.confidence DESC, i.created_at`,
		map[string]interface{}{"userId": userID, "type": insightType}, userID)
}

func (g *InsightGraph) query(ctx context.Context, cypher string, params map[string]interface{}, userID string) ([]proactive.Insight, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}

	var out []proactive.Insight
	for result.Next(ctx) {
		rec := result.Record()
		in := proactive.Insight{UserID: userID}
		id, _ := rec.Get("i.id")
		typ, _ := rec.Get("i.type")
		content, _ := rec.Get("i.content")
		confidence, _ := rec.Get("i.confidence")
		created, _ := rec.Get("i.created_at")

		in.ID, _ = id.(string)
		in.Type, _ = typ.(string)
		in.Content, _ = content.(string)
		in.Confidence, _ = confidence.(float64)
		if s, ok := created.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				in.CreatedAt = t
			} else {
				g.logger.Debug("insight created_at unparsable", zap.String("id", in.ID), zap.Error(err))
			}
		}
		out = append(out, in)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read insights: %w", err)
	}
	return out, nil
}

// Close shuts down the driver.
func (g *InsightGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
