package logging

// ZapLoggerFactory implements LoggerFactory using zap only.
type ZapLoggerFactory struct{}

// NewZapLoggerFactory creates a new ZapLoggerFactory.
func NewZapLoggerFactory() LoggerFactory {
	return &ZapLoggerFactory{}
}

func (f *ZapLoggerFactory) CreateLogger(component string) Logger {
	logger, err := NewZapLogger(component)
	if err != nil {
		return &ZapLogger{fields: make(map[string]interface{}), component: component}
	}
	return logger
}

func (f *ZapLoggerFactory) CreateQueueLogger(partitionKey string) Logger {
	return f.CreateLogger("queue").WithContext(map[string]interface{}{"partition_key": partitionKey})
}

func (f *ZapLoggerFactory) CreateDownloadLogger(guildID string) Logger {
	return f.CreateLogger("download").WithContext(map[string]interface{}{"guild_id": guildID})
}

func (f *ZapLoggerFactory) CreatePlayerLogger(guildID string) Logger {
	return f.CreateLogger("player").WithContext(map[string]interface{}{"guild_id": guildID})
}

func (f *ZapLoggerFactory) CreateOrchestratorLogger(loop string) Logger {
	return f.CreateLogger("orchestrator").WithPipeline(loop)
}

var globalLoggerFactory LoggerFactory

func init() {
	globalLoggerFactory = NewZapLoggerFactory()
}

// GetGlobalLoggerFactory returns the process-wide LoggerFactory.
func GetGlobalLoggerFactory() LoggerFactory {
	return globalLoggerFactory
}

// SetGlobalLoggerFactory overrides the process-wide LoggerFactory, used at
// startup once the database connection (and thus the persisting decorator)
// is available.
func SetGlobalLoggerFactory(f LoggerFactory) {
	globalLoggerFactory = f
}

// DatabaseLoggerFactory implements LoggerFactory with database persistence.
type DatabaseLoggerFactory struct {
	repository LogRepository
}

// NewDatabaseLoggerFactory creates a DatabaseLoggerFactory.
func NewDatabaseLoggerFactory(repository LogRepository) LoggerFactory {
	return &DatabaseLoggerFactory{repository: repository}
}

func (f *DatabaseLoggerFactory) CreateLogger(component string) Logger {
	return NewDatabaseLogger(component, f.repository)
}

func (f *DatabaseLoggerFactory) CreateQueueLogger(partitionKey string) Logger {
	return f.CreateLogger("queue").WithContext(map[string]interface{}{"partition_key": partitionKey})
}

func (f *DatabaseLoggerFactory) CreateDownloadLogger(guildID string) Logger {
	return f.CreateLogger("download").WithContext(map[string]interface{}{"guild_id": guildID})
}

func (f *DatabaseLoggerFactory) CreatePlayerLogger(guildID string) Logger {
	return f.CreateLogger("player").WithContext(map[string]interface{}{"guild_id": guildID})
}

func (f *DatabaseLoggerFactory) CreateOrchestratorLogger(loop string) Logger {
	return f.CreateLogger("orchestrator").WithPipeline(loop)
}
