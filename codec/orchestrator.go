package codec

import (
	"fmt"
	"sync"
	"time"

	"github.com/yaoapp/kun/log"
	"github.com/yaoapp/relay/utils/jsonschema"
)

// Orchestrator owns the profile table, resolves the codec for each request
// and brackets every conversion with schema validation. The profile and
// endpoint-binding maps are immutable after Initialize, only the request
// binding table mutates afterwards.
type Orchestrator struct {
	initOnce sync.Once
	initErr  error

	table     *Table
	factories map[string]Factory
	bindings  *BindingTable

	codecMu sync.Mutex
	codecs  map[string]Codec // profile id → built codec
}

// NewOrchestrator creates an orchestrator with the built-in codec factories
// registered
func NewOrchestrator() *Orchestrator {
	o := &Orchestrator{
		factories: map[string]Factory{},
		bindings:  NewBindingTable(),
		codecs:    map[string]Codec{},
	}
	o.Register(CodecOpenAIOpenAI, func(profile *Profile) (Codec, error) {
		return &PassthroughCodec{}, nil
	})
	o.Register(CodecAnthropicOpenAI, func(profile *Profile) (Codec, error) {
		return &AnthropicCodec{}, nil
	})
	o.Register(CodecResponsesOpenAI, func(profile *Profile) (Codec, error) {
		return &ResponsesCodec{}, nil
	})
	return o
}

// Register installs a codec factory under an id, replacing any previous one.
// Must be called before Initialize.
func (o *Orchestrator) Register(id string, factory Factory) {
	o.factories[id] = factory
}

// Initialize loads the profile table from path. Idempotent: repeated calls
// return the first call's outcome.
func (o *Orchestrator) Initialize(path string) error {
	o.initOnce.Do(func() {
		table, err := LoadTable(path)
		if err != nil {
			o.initErr = err
			return
		}
		for _, profile := range table.Profiles {
			if _, has := o.factories[profile.Codec]; !has {
				o.initErr = fmt.Errorf("profile %s references unknown codec %s", profile.ID, profile.Codec)
				return
			}
		}
		o.table = table
		log.Info("[Codec] loaded %d profiles, %d endpoint bindings from %s",
			len(table.Profiles), len(table.EndpointBindings), path)
	})
	return o.initErr
}

// Bindings exposes the request binding table so a reaper can sweep it
func (o *Orchestrator) Bindings() *BindingTable {
	return o.bindings
}

// Profile returns a profile by id
func (o *Orchestrator) Profile(id string) *Profile {
	if o.table == nil {
		return nil
	}
	return o.table.Profiles[id]
}

// resolveProfile applies the incoming resolution precedence: explicit
// metadata id, endpoint binding, default profile, first in document order
func (o *Orchestrator) resolveProfile(ctx *Context) (*Profile, error) {
	if o.table == nil {
		return nil, fmt.Errorf("orchestrator not initialized")
	}

	if id := ctx.MetaString("conversionProfileId"); id != "" {
		if profile, has := o.table.Profiles[id]; has {
			return profile, nil
		}
		return nil, fmt.Errorf("%w: profile %s not defined", ErrNoProfile, id)
	}

	if ctx.EntryEndpoint != "" {
		if id, has := o.table.EndpointBindings[ctx.EntryEndpoint]; has {
			return o.table.Profiles[id], nil
		}
	}

	if profile := o.table.DefaultProfile(); profile != nil {
		return profile, nil
	}
	return nil, ErrNoProfile
}

// codecFor builds (once) and returns the codec instance for a profile
func (o *Orchestrator) codecFor(profile *Profile) (Codec, error) {
	o.codecMu.Lock()
	defer o.codecMu.Unlock()
	if codec, has := o.codecs[profile.ID]; has {
		return codec, nil
	}
	factory := o.factories[profile.Codec]
	if factory == nil {
		return nil, fmt.Errorf("no factory for codec %s", profile.Codec)
	}
	codec, err := factory(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to build codec %s: %w", profile.Codec, err)
	}
	o.codecs[profile.ID] = codec
	return codec, nil
}

// PrepareIncoming resolves the profile for an inbound request, validates the
// payload, converts it to canonical form and records the request binding
func (o *Orchestrator) PrepareIncoming(payload Payload, ctx *Context) (*Profile, Payload, error) {
	profile, err := o.resolveProfile(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := validateAgainst(profile.InputSchema, profile.ID+":incoming", payload); err != nil {
		return profile, nil, err
	}

	codec, err := o.codecFor(profile)
	if err != nil {
		return profile, nil, err
	}

	converted, err := codec.ConvertRequest(payload, profile, ctx)
	if err != nil {
		return profile, nil, fmt.Errorf("codec %s request conversion: %w", codec.Name(), err)
	}

	if err := validateAgainst(profile.CanonicalRequestSchema, profile.ID+":canonical-request", converted); err != nil {
		return profile, nil, err
	}

	o.bindings.Put(ctx.RequestID, profile.ID)
	if profile.Trace {
		log.Trace("[Codec] %s prepared request %s via profile %s", codec.Name(), ctx.RequestID, profile.ID)
	}
	return profile, converted, nil
}

// PrepareOutgoing converts a canonical response back to the inbound protocol.
// The profile recorded for the request id wins, the incoming resolution rules
// are the fallback. Client-response validation runs after conversion because
// the canonical intermediate may violate the client-facing schema.
func (o *Orchestrator) PrepareOutgoing(payload Payload, ctx *Context) (*Profile, Payload, error) {
	var profile *Profile
	if id, has := o.bindings.Take(ctx.RequestID); has {
		profile = o.table.Profiles[id]
	}
	if profile == nil {
		resolved, err := o.resolveProfile(ctx)
		if err != nil {
			return nil, nil, err
		}
		profile = resolved
	}

	codec, err := o.codecFor(profile)
	if err != nil {
		return profile, nil, err
	}

	converted, err := codec.ConvertResponse(payload, profile, ctx)
	if err != nil {
		return profile, nil, fmt.Errorf("codec %s response conversion: %w", codec.Name(), err)
	}

	if err := validateAgainst(profile.ClientResponseSchema, profile.ID+":client-response", converted); err != nil {
		return profile, nil, err
	}

	if profile.Trace {
		log.Trace("[Codec] %s prepared response %s via profile %s", codec.Name(), ctx.RequestID, profile.ID)
	}
	return profile, converted, nil
}

// StartReaper sweeps orphaned request bindings every interval until stop is
// closed. Bindings survive at most maxAge.
func (o *Orchestrator) StartReaper(interval, maxAge time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := o.bindings.Reap(maxAge); removed > 0 {
					log.Trace("[Codec] reaped %d orphaned request bindings", removed)
				}
			case <-stop:
				return
			}
		}
	}()
}

// validateAgainst validates data against the schema file at path, skipping
// silently when no schema is declared
func validateAgainst(path, phase string, data interface{}) error {
	if path == "" {
		return nil
	}
	validator, err := jsonschema.Load(path)
	if err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	return validator.ValidatePhase(phase, data)
}
