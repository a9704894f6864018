package schema

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/milad/meterpoller/internal/domain"
)

type document struct {
	Meters map[string]meterDoc `yaml:"meters"`
	Tables map[string]tableDoc `yaml:"tables"`
}

type meterDoc struct {
	ID            idDoc                      `yaml:"id"`
	RegisterTypes map[string]registerTypeDoc `yaml:"register_types"`
}

type idDoc struct {
	Name      string `yaml:"name"`
	SlaveID   int    `yaml:"slave_id"`
	IPAddress string `yaml:"ip_address"`
	TCPSocket int    `yaml:"tcp_socket"`
}

type registerTypeDoc struct {
	ByteOrder string `yaml:"byteorder"`
	WordOrder string `yaml:"wordorder"`
	Length    int    `yaml:"length"`
	ReadType  string `yaml:"read_type"`
}

type registerDoc struct {
	Register *int   `yaml:"register"`
	Type     string `yaml:"type"`
	Meter    string `yaml:"meter"`
}

type tableDoc struct {
	Type        string               `yaml:"type"`
	Meter       string               `yaml:"meter"`
	SymbolField string               `yaml:"symbol_field"`
	Fields      map[string]yaml.Node `yaml:"fields"`
}

// Parse builds the entity model from YAML bytes.
//
// Problems with meters or register types make the whole schema malformed.
// Problems local to one table are recorded on the table (Table.Defect) and
// logged, so the remaining tables keep working.
func Parse(data []byte, logger *slog.Logger) (*domain.Model, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Err: fmt.Errorf("%w: %v", ErrSchemaMalformed, err)}
	}
	if len(doc.Meters) == 0 {
		return nil, &LoadError{Err: fmt.Errorf("%w: no meters defined", ErrSchemaMalformed)}
	}

	model := &domain.Model{
		Meters: make(map[string]*domain.Meter, len(doc.Meters)),
		Tables: make(map[string]*domain.Table, len(doc.Tables)),
	}
	for name, md := range doc.Meters {
		meter, err := buildMeter(name, md, logger)
		if err != nil {
			return nil, &LoadError{Err: fmt.Errorf("%w: meter %q: %v", ErrSchemaMalformed, name, err)}
		}
		model.Meters[name] = meter
	}
	for name, td := range doc.Tables {
		tbl := buildTable(name, td)
		if tbl.Defect == "" {
			warnUnresolved(model, tbl, logger)
		} else {
			logger.Warn("malformed table", "table", name, "defect", tbl.Defect)
		}
		model.Tables[name] = tbl
	}
	return model, nil
}

func buildMeter(name string, md meterDoc, logger *slog.Logger) (*domain.Meter, error) {
	id := domain.Identification{
		Name:      name,
		IPAddress: md.ID.IPAddress,
		TCPSocket: md.ID.TCPSocket,
	}
	if md.ID.Name != "" && md.ID.Name != name {
		logger.Debug("meter id name differs from key; key wins", "meter", name, "id_name", md.ID.Name)
	}
	if id.IPAddress == "" {
		return nil, fmt.Errorf("id.ip_address is required")
	}
	if id.TCPSocket <= 0 || id.TCPSocket > math.MaxUint16 {
		return nil, fmt.Errorf("id.tcp_socket %d out of range", id.TCPSocket)
	}
	if md.ID.SlaveID < 0 || md.ID.SlaveID > math.MaxUint8 {
		return nil, fmt.Errorf("id.slave_id %d out of range", md.ID.SlaveID)
	}
	id.SlaveID = byte(md.ID.SlaveID)

	types := make(map[string]domain.RegisterType, len(md.RegisterTypes))
	for tname, rd := range md.RegisterTypes {
		bo, err := domain.ParseOrder(rd.ByteOrder)
		if err != nil {
			return nil, fmt.Errorf("register type %q byteorder: %w", tname, err)
		}
		wo, err := domain.ParseOrder(rd.WordOrder)
		if err != nil {
			return nil, fmt.Errorf("register type %q wordorder: %w", tname, err)
		}
		if rd.Length < 1 || rd.Length > domain.MaxRegisterLength {
			return nil, fmt.Errorf("register type %q length %d not in 1..%d", tname, rd.Length, domain.MaxRegisterLength)
		}
		readKind := domain.ReadKind(rd.ReadType)
		if readKind == "" {
			readKind = domain.ReadInput
		}
		kind, ok := domain.ParseKind(tname)
		if !ok {
			logger.Warn("register type has no decoder; reads using it will fail", "meter", name, "type", tname)
		} else if rd.Length < kind.Words() {
			logger.Warn("register type length shorter than its kind", "meter", name, "type", tname, "length", rd.Length, "kind_words", kind.Words())
		}
		types[tname] = domain.RegisterType{
			Name:      tname,
			ByteOrder: bo,
			WordOrder: wo,
			Length:    rd.Length,
			ReadKind:  readKind,
			Kind:      kind,
		}
	}
	return &domain.Meter{ID: id, RegisterTypes: types}, nil
}

func buildTable(name string, td tableDoc) *domain.Table {
	tbl := &domain.Table{
		Name:        name,
		Kind:        domain.TableKind(td.Type),
		Meter:       td.Meter,
		SymbolField: td.SymbolField,
	}

	names := make([]string, 0, len(td.Fields))
	for k := range td.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	switch tbl.Kind {
	case domain.TableSimple:
		tbl.Fields = make(map[string]domain.Register, len(td.Fields))
		for _, field := range names {
			node := td.Fields[field]
			if !isRegister(&node) {
				tbl.Defect = fmt.Sprintf("field %q is not a register", field)
				return tbl
			}
			reg, err := decodeRegister(&node)
			if err != nil {
				tbl.Defect = fmt.Sprintf("field %q: %v", field, err)
				return tbl
			}
			tbl.Fields[field] = reg
		}
	case domain.TableSymbolic:
		tbl.Symbols = make(map[string]map[string]domain.Register, len(td.Fields))
		for _, symbol := range names {
			node := td.Fields[symbol]
			if node.Kind != yaml.MappingNode || isRegister(&node) {
				tbl.Defect = fmt.Sprintf("symbol %q is not a group of registers", symbol)
				return tbl
			}
			var group map[string]yaml.Node
			if err := node.Decode(&group); err != nil {
				tbl.Defect = fmt.Sprintf("symbol %q: %v", symbol, err)
				return tbl
			}
			fields := make(map[string]domain.Register, len(group))
			for field, fn := range group {
				if !isRegister(&fn) {
					tbl.Defect = fmt.Sprintf("symbol %q field %q is not a register", symbol, field)
					return tbl
				}
				reg, err := decodeRegister(&fn)
				if err != nil {
					tbl.Defect = fmt.Sprintf("symbol %q field %q: %v", symbol, field, err)
					return tbl
				}
				fields[field] = reg
			}
			tbl.Symbols[symbol] = fields
		}
	}
	// Unknown kinds are left for Table.Validate to report.
	return tbl
}

func isRegister(n *yaml.Node) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "register" {
			return true
		}
	}
	return false
}

func decodeRegister(n *yaml.Node) (domain.Register, error) {
	var rd registerDoc
	if err := n.Decode(&rd); err != nil {
		return domain.Register{}, err
	}
	if rd.Register == nil || *rd.Register < 0 || *rd.Register > math.MaxUint16 {
		return domain.Register{}, fmt.Errorf("register address missing or out of range")
	}
	if rd.Type == "" {
		return domain.Register{}, fmt.Errorf("register type is required")
	}
	return domain.Register{Address: uint16(*rd.Register), Type: rd.Type, Meter: rd.Meter}, nil
}

// warnUnresolved logs references that will fail at read time.
func warnUnresolved(model *domain.Model, tbl *domain.Table, logger *slog.Logger) {
	check := func(reg domain.Register) {
		mname := tbl.MeterOf(reg)
		meter, ok := model.Meters[mname]
		if !ok {
			logger.Warn("table references unknown meter", "table", tbl.Name, "meter", mname)
			return
		}
		if _, ok := meter.RegisterTypes[reg.Type]; !ok {
			logger.Warn("table references unknown register type", "table", tbl.Name, "meter", mname, "type", reg.Type)
		}
	}
	for _, reg := range tbl.Fields {
		check(reg)
	}
	for _, fields := range tbl.Symbols {
		for _, reg := range fields {
			check(reg)
		}
	}
}
