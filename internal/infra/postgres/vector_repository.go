package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/insight-engine/internal/core/assembly"
	"github.com/jinford/insight-engine/internal/core/embedcache"
	"github.com/jinford/insight-engine/internal/core/intent"
	"github.com/jinford/insight-engine/internal/platform/database"
)

// VectorRepository は assembly.Retriever を実装する pgvector リポジトリ。
// クエリのEmbedding生成はキャッシュ付きEmbedderに委譲する。
type VectorRepository struct {
	db       *database.Database
	embedder *embedcache.CachedEmbedder
}

// NewVectorRepository は新しい VectorRepository を返す
func NewVectorRepository(db *database.Database, embedder *embedcache.CachedEmbedder) *VectorRepository {
	return &VectorRepository{db: db, embedder: embedder}
}

var _ assembly.Retriever = (*VectorRepository)(nil)

// Search はコサイン距離によるベクトル検索を実行する。
// minScore未満の行はSQL側でも除外するが、最終的なフィルタは組み立て側が行う。
func (r *VectorRepository) Search(ctx context.Context, params assembly.SearchParams) (*assembly.SearchResultSet, error) {
	queryVector, err := r.embedder.Embed(ctx, params.Query, params.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	sql := `
		SELECT shard_id, shard_type_id, shard_name, content, chunk_index,
		       1 - (embedding <=> $1) AS score
		FROM shard_chunks
		WHERE tenant_id = $2
	`
	args := []any{pgvector.NewVector(queryVector), params.TenantID}

	if targetID, ok := params.Scope.TargetID.Get(); ok {
		switch params.Scope.Mode {
		case intent.ScopeModeProject:
			args = append(args, targetID)
			sql += fmt.Sprintf(` AND project_id = $%d`, len(args))
		case intent.ScopeModeShard:
			args = append(args, targetID)
			sql += fmt.Sprintf(` AND shard_id = $%d`, len(args))
		}
	}

	args = append(args, params.MinScore)
	sql += fmt.Sprintf(` AND 1 - (embedding <=> $1) >= $%d`, len(args))
	args = append(args, params.MaxChunks)
	sql += fmt.Sprintf(`
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, len(args))

	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*assembly.RetrievedChunk
	for rows.Next() {
		chunk := &assembly.RetrievedChunk{}
		var shardID, shardTypeID uuid.UUID
		if err := rows.Scan(&shardID, &shardTypeID, &chunk.ShardName, &chunk.Content, &chunk.ChunkIndex, &chunk.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunk.ShardID = shardID
		chunk.ShardTypeID = shardTypeID
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}

	return &assembly.SearchResultSet{
		Chunks:       chunks,
		TotalResults: len(chunks),
	}, nil
}
